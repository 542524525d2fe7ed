package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/vango-go/callbridge/pkg/gateway/config"
	"github.com/vango-go/callbridge/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyHandler reports whether the process can take new calls: required
// settings are present, the store answers, and shutdown has not begun.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Store     Pinger
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK              bool     `json:"ok"`
		Draining        bool     `json:"draining"`
		DrainingSince   string   `json:"draining_since,omitempty"`
		AuthMode        string   `json:"auth_mode"`
		SignatureChecks bool     `json:"signature_checks"`
		SummaryProvider string   `json:"summary_provider"`
		MissingContext  string   `json:"missing_context_policy"`
		Issues          []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	issues = append(issues, h.Config.Issues()...)

	if h.Store == nil {
		issues = append(issues, "store is not configured")
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.Store.Ping(ctx)
		cancel()
		if err != nil {
			issues = append(issues, "store ping failed")
		}
	}

	isDraining := h.Lifecycle.IsDraining()
	ok := len(issues) == 0 && !isDraining
	status := http.StatusOK
	switch {
	case isDraining:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	var since string
	if t, ok := h.Lifecycle.DrainingSince(); ok {
		since = t.UTC().Format(time.RFC3339)
	}

	writeJSON(w, status, readyResp{
		OK:              ok,
		Draining:        isDraining,
		DrainingSince:   since,
		AuthMode:        string(h.Config.AuthMode),
		SignatureChecks: h.Config.ValidateTwilioSignature,
		SummaryProvider: string(h.Config.SummaryProvider),
		MissingContext:  h.Config.MissingContextPolicy,
		Issues:          issues,
	})
}
