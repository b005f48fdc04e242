package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/confusedev/trafficgate/internal/admission"
	"github.com/confusedev/trafficgate/internal/apierror"
	"github.com/confusedev/trafficgate/internal/events"
	"github.com/confusedev/trafficgate/internal/observability"
)

// syncRequest is the body of a source sync request.
type syncRequest struct {
	SourceType  string `json:"source_type"`
	SourceURL   string `json:"source_url"`
	Branch      string `json:"branch,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
	FullSync    bool   `json:"full_sync,omitempty"`
}

// SyncHandler accepts source sync requests and hands them to the event bus.
// The sync itself happens asynchronously; the handler only confirms that
// the request was durably published.
type SyncHandler struct {
	publisher *events.Publisher
	logger    observability.Logger
}

// NewSyncHandler creates the sync endpoint handler.
func NewSyncHandler(publisher *events.Publisher, logger observability.Logger) *SyncHandler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &SyncHandler{publisher: publisher, logger: logger}
}

// ServeHTTP handles POST /api/sources/{id}/sync.
func (h *SyncHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sourceID := r.PathValue("id")
	if sourceID == "" {
		apierror.WriteJSON(w, apierror.Validation("Source id is required"))
		return
	}

	var body syncRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierror.WriteJSON(w, apierror.Validation("Malformed request body"))
		return
	}

	sourceType := events.SourceType(body.SourceType)
	if !sourceType.Valid() {
		apierror.WriteJSON(w, apierror.Validation("Unknown source type"))
		return
	}
	if body.SourceURL == "" {
		apierror.WriteJSON(w, apierror.Validation("Source URL is required"))
		return
	}

	ctx := r.Context()
	event := events.NewSourceSyncRequestedEvent(sourceID, sourceType, body.SourceURL)
	if correlationID := observability.CorrelationIDFromContext(ctx); correlationID != "" {
		event = event.WithCorrelation(correlationID)
	}
	if subject := admission.SubjectFromContext(ctx); subject != "" {
		event = event.WithUser(subject)
	}
	if requestID := observability.RequestIDFromContext(ctx); requestID != "" {
		event = event.WithRequestID(requestID)
	}
	if body.Branch != "" {
		event = event.WithBranch(body.Branch)
	}
	if body.AccessToken != "" {
		event = event.WithToken(body.AccessToken)
	}
	if body.FullSync {
		event = event.WithFullSync()
	}

	_, err := h.publisher.Publish(ctx, events.TopicSourceSyncRequested, event, event.CorrelationID())
	if err != nil {
		h.logger.Error("failed to publish sync request",
			observability.String("source_id", sourceID),
			observability.String("correlation_id", event.CorrelationID()),
			observability.Error(err),
		)
		switch {
		case errors.Is(err, events.ErrCircuitOpen):
			apierror.WriteJSON(w, apierror.CircuitOpen("events"))
		case errors.Is(err, events.ErrMaxRetriesExceeded):
			apierror.WriteJSON(w, apierror.New(apierror.CodeMaxRetriesExceeded,
				"Event delivery failed after retries"))
		default:
			apierror.WriteJSON(w, apierror.ServiceUnavailable("Event bus unavailable"))
		}
		return
	}

	h.logger.Info("sync request published",
		observability.String("source_id", sourceID),
		observability.String("source_type", string(sourceType)),
		observability.String("correlation_id", event.CorrelationID()),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(events.NewSyncRequestResponse(event))
}
