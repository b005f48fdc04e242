// Package events publishes domain events to the message bus with retry,
// backoff, and a dedicated circuit breaker for the bus itself.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Topics for source synchronization events.
const (
	TopicSourceSyncRequested = "source.sync.requested"
	TopicSourceSyncCompleted = "source.sync.completed"
	TopicSourceSyncFailed    = "source.sync.failed"
)

// SourceService is the producer name stamped into event headers.
const SourceService = "trafficgate"

// eventVersion is the wire schema version.
const eventVersion = "1.0"

// SourceType identifies the kind of source being synchronized.
type SourceType string

const (
	SourceTypeGithub      SourceType = "github"
	SourceTypeGitlab      SourceType = "gitlab"
	SourceTypeLocal       SourceType = "local"
	SourceTypeGoogleDrive SourceType = "google_drive"
	SourceTypeNotion      SourceType = "notion"
	SourceTypeFileUpload  SourceType = "file_upload"
)

// Valid reports whether the source type is one of the known values.
func (s SourceType) Valid() bool {
	switch s {
	case SourceTypeGithub, SourceTypeGitlab, SourceTypeLocal,
		SourceTypeGoogleDrive, SourceTypeNotion, SourceTypeFileUpload:
		return true
	}
	return false
}

// EventHeaders carry tracing and routing information.
type EventHeaders struct {
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id,omitempty"`
	SourceService string    `json:"source_service"`
	EventType     string    `json:"event_type"`
	EventVersion  string    `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewEventHeaders creates headers for an event type with a fresh
// correlation id.
func NewEventHeaders(eventType string) EventHeaders {
	return NewEventHeadersWithCorrelation(eventType, uuid.NewString())
}

// NewEventHeadersWithCorrelation creates headers preserving an existing
// correlation id.
func NewEventHeadersWithCorrelation(eventType, correlationID string) EventHeaders {
	return EventHeaders{
		CorrelationID: correlationID,
		SourceService: SourceService,
		EventType:     eventType,
		EventVersion:  eventVersion,
		Timestamp:     time.Now().UTC(),
	}
}

// EventMetadata carries audit context.
type EventMetadata struct {
	UserID    string `json:"user_id,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// SourceSyncRequestedEvent announces that a source should be synchronized.
type SourceSyncRequestedEvent struct {
	EventID  string        `json:"event_id"`
	Headers  EventHeaders  `json:"headers"`
	Metadata EventMetadata `json:"metadata"`

	SourceID   string     `json:"source_id"`
	SourceType SourceType `json:"source_type"`
	SourceURL  string     `json:"source_url"`
	Branch     string     `json:"branch,omitempty"`
	// AccessToken is expected to be encrypted by the caller.
	AccessToken string `json:"access_token,omitempty"`
	FullSync    bool   `json:"full_sync"`
}

// NewSourceSyncRequestedEvent creates a sync-requested event with generated
// event and correlation ids.
func NewSourceSyncRequestedEvent(sourceID string, sourceType SourceType, sourceURL string) *SourceSyncRequestedEvent {
	return &SourceSyncRequestedEvent{
		EventID:    uuid.NewString(),
		Headers:    NewEventHeaders(TopicSourceSyncRequested),
		SourceID:   sourceID,
		SourceType: sourceType,
		SourceURL:  sourceURL,
	}
}

// WithCorrelation preserves an existing correlation id.
func (e *SourceSyncRequestedEvent) WithCorrelation(correlationID string) *SourceSyncRequestedEvent {
	e.Headers.CorrelationID = correlationID
	return e
}

// WithUser stamps the requesting user into the metadata.
func (e *SourceSyncRequestedEvent) WithUser(userID string) *SourceSyncRequestedEvent {
	e.Metadata.UserID = userID
	return e
}

// WithRequestID stamps the originating request id into the metadata.
func (e *SourceSyncRequestedEvent) WithRequestID(requestID string) *SourceSyncRequestedEvent {
	e.Metadata.RequestID = requestID
	return e
}

// WithBranch sets the branch for git sources.
func (e *SourceSyncRequestedEvent) WithBranch(branch string) *SourceSyncRequestedEvent {
	e.Branch = branch
	return e
}

// WithToken sets the encrypted access token.
func (e *SourceSyncRequestedEvent) WithToken(token string) *SourceSyncRequestedEvent {
	e.AccessToken = token
	return e
}

// WithFullSync forces a full resync.
func (e *SourceSyncRequestedEvent) WithFullSync() *SourceSyncRequestedEvent {
	e.FullSync = true
	return e
}

// CorrelationID returns the correlation id from the headers.
func (e *SourceSyncRequestedEvent) CorrelationID() string {
	return e.Headers.CorrelationID
}

// SyncRequestResponse is returned to the client after a sync request event
// is published, so the asynchronous operation can be tracked.
type SyncRequestResponse struct {
	CorrelationID string    `json:"correlation_id"`
	EventID       string    `json:"event_id"`
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewSyncRequestResponse builds the response for a published event.
func NewSyncRequestResponse(e *SourceSyncRequestedEvent) SyncRequestResponse {
	return SyncRequestResponse{
		CorrelationID: e.Headers.CorrelationID,
		EventID:       e.EventID,
		Status:        "sync_requested",
		Timestamp:     e.Headers.Timestamp,
	}
}
