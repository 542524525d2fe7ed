package mw

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/client"

	"github.com/vango-go/callbridge/pkg/core"
	"github.com/vango-go/callbridge/pkg/gateway/config"
)

const twilioSignatureHeader = "X-Twilio-Signature"

// TwilioSignature rejects webhook requests whose X-Twilio-Signature does not
// match the public URL and form parameters signed with the account auth token.
func TwilioSignature(cfg config.Config, logger *slog.Logger, next http.Handler) http.Handler {
	if !cfg.ValidateTwilioSignature {
		return next
	}
	var validator *client.RequestValidator
	if token := strings.TrimSpace(cfg.TwilioAuthToken); token != "" {
		v := client.NewRequestValidator(token)
		validator = &v
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := RequestIDFrom(r.Context())
		if validator == nil || baseURL == "" {
			writeJSONError(w, http.StatusServiceUnavailable, &core.Error{
				Type:      core.ErrAPI,
				Message:   "webhook signature validation is not configured",
				RequestID: reqID,
			})
			return
		}

		sig := strings.TrimSpace(r.Header.Get(twilioSignatureHeader))
		if sig == "" {
			writeJSONError(w, http.StatusForbidden, &core.Error{
				Type:      core.ErrPermission,
				Message:   "missing webhook signature",
				Param:     twilioSignatureHeader,
				RequestID: reqID,
			})
			return
		}

		params := map[string]string{}
		if r.Method == http.MethodPost {
			if err := r.ParseForm(); err != nil {
				writeJSONError(w, http.StatusBadRequest, &core.Error{
					Type:      core.ErrInvalidRequest,
					Message:   "invalid form body",
					RequestID: reqID,
				})
				return
			}
			for key, values := range r.PostForm {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}
		}

		if !validator.Validate(baseURL+r.URL.RequestURI(), params, sig) {
			if logger != nil {
				logger.Warn("webhook signature rejected", "request_id", reqID, "path", r.URL.Path)
			}
			writeJSONError(w, http.StatusForbidden, &core.Error{
				Type:      core.ErrPermission,
				Message:   "invalid webhook signature",
				Param:     twilioSignatureHeader,
				RequestID: reqID,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
