// Package gateway assembles the HTTP server: the middleware chain, the
// breaker-gated reverse proxies to downstream services, and the sync
// request endpoint that publishes to the event bus.
package gateway

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/confusedev/trafficgate/internal/apierror"
	"github.com/confusedev/trafficgate/internal/circuitbreaker"
	"github.com/confusedev/trafficgate/internal/observability"
)

// Proxy forwards requests to one downstream service behind its circuit
// breaker. Responses with 5xx status and transport errors count as breaker
// failures; 4xx responses do not, since the caller caused those.
type Proxy struct {
	service  string
	breakers *circuitbreaker.Registry
	reverse  *httputil.ReverseProxy
	logger   observability.Logger
}

// NewProxy creates a proxy for a downstream service.
func NewProxy(
	service string,
	target *url.URL,
	timeout time.Duration,
	breakers *circuitbreaker.Registry,
	logger observability.Logger,
) *Proxy {
	if logger == nil {
		logger = observability.NopLogger()
	}

	p := &Proxy{
		service:  service,
		breakers: breakers,
		logger:   logger,
	}

	reverse := httputil.NewSingleHostReverseProxy(target)

	transport := http.DefaultTransport
	if timeout > 0 {
		transport = &http.Transport{
			ResponseHeaderTimeout: timeout,
			Proxy:                 http.ProxyFromEnvironment,
		}
	}
	reverse.Transport = transport

	reverse.ModifyResponse = func(resp *http.Response) error {
		// 4xx is the caller's fault; it neither trips nor heals the breaker.
		switch {
		case resp.StatusCode >= 500:
			p.breakers.RecordFailure(p.service)
		case resp.StatusCode < 400:
			p.breakers.RecordSuccess(p.service)
		}
		return nil
	}

	reverse.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.breakers.RecordFailure(p.service)
		p.logger.Warn("downstream request failed",
			observability.String("service", p.service),
			observability.String("path", r.URL.Path),
			observability.Error(err),
		)
		apierror.WriteJSON(w, apierror.ServiceUnavailable("Downstream service unavailable"))
	}

	p.reverse = reverse
	return p
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !p.breakers.Allow(p.service) {
		apierror.WriteJSON(w, apierror.CircuitOpen(p.service))
		return
	}

	p.reverse.ServeHTTP(w, r)
}
