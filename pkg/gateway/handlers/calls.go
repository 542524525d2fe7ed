package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/callbridge/pkg/core"
	"github.com/vango-go/callbridge/pkg/core/types"
	"github.com/vango-go/callbridge/pkg/gateway/auth"
	"github.com/vango-go/callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/callbridge/pkg/gateway/mw"
	"github.com/vango-go/callbridge/pkg/gateway/postcall"
	"github.com/vango-go/callbridge/pkg/gateway/store"
	"github.com/vango-go/callbridge/pkg/gateway/telephony"
)

// callIDSuffix is appended to the call sid in the id handed back to callers
// of /api/start-call; /api/get-response accepts either form.
const callIDSuffix = "_callresult"

type CallPlacer interface {
	StartCall(ctx context.Context, to string) (string, error)
}

type ContextWriter interface {
	PutContext(ctx context.Context, callSID string, cc types.CallContext) error
}

type ResultTaker interface {
	TakeResult(ctx context.Context, callSID string) (*types.CallResult, error)
}

type PostCallTrigger interface {
	Trigger(r postcall.Report)
	TriggerAfter(r postcall.Report, delay time.Duration, skip func() bool)
}

// ActiveCalls reports whether a media session is still bridging a call.
type ActiveCalls interface {
	Active(callSID string) bool
}

// StartCallHandler places an outbound verification call and stores its context.
type StartCallHandler struct {
	Telephony CallPlacer
	Store     ContextWriter
	Lifecycle *lifecycle.Lifecycle
	Logger    *slog.Logger
	Timeout   time.Duration
}

type startCallResponse struct {
	CallID  string `json:"callId"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h StartCallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if h.Lifecycle.IsDraining() {
		draining(w, r)
		return
	}
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if mw.IsBodyTooLarge(err) {
			writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "request body too large"}, http.StatusRequestEntityTooLarge)
			return
		}
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("failed to read request body"), http.StatusBadRequest)
		return
	}

	var dest struct {
		To string `json:"to"`
	}
	var cc types.CallContext
	if err := json.Unmarshal(body, &dest); err != nil {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("request body must be a JSON object"), http.StatusBadRequest)
		return
	}
	if err := json.Unmarshal(body, &cc); err != nil {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("invalid call context: "+err.Error()), http.StatusBadRequest)
		return
	}
	to := strings.TrimSpace(dest.To)
	if to == "" {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestErrorWithParam(`missing "to" phone number`, "to"), http.StatusBadRequest)
		return
	}
	if h.Telephony == nil || h.Store == nil {
		writeCoreErrorJSON(w, reqID, core.NewAPIError("call placement is not configured"), http.StatusServiceUnavailable)
		return
	}

	ctx := r.Context()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	callSID, err := h.Telephony.StartCall(ctx, to)
	if err != nil {
		logger.Error("start call failed", "request_id", reqID, "error", err)
		writeError(w, r, core.NewProviderError("telephony", err))
		return
	}
	if err := h.Store.PutContext(ctx, callSID, cc); err != nil {
		// The call is already ringing; the media session falls back to its
		// missing-context policy.
		logger.Error("store call context failed", "request_id", reqID, "call_sid", callSID, "error", err)
		writeError(w, r, err)
		return
	}

	var keyID string
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		keyID = p.KeyID
	}
	logger.Info("call placed", "request_id", reqID, "call_sid", callSID, "key_id", keyID)
	writeJSON(w, http.StatusOK, startCallResponse{
		CallID:  callSID + callIDSuffix,
		Success: true,
		Message: "Call initiated successfully",
	})
}

// OutgoingCallHandler answers the platform's call webhook with stream TwiML.
type OutgoingCallHandler struct {
	// StreamURL overrides the websocket address; empty derives it from the request host.
	StreamURL string
	Logger    *slog.Logger
}

func (h OutgoingCallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, r, "GET, POST")
		return
	}
	streamURL := strings.TrimSpace(h.StreamURL)
	if streamURL == "" {
		streamURL = "wss://" + r.Host + telephony.MediaStreamPath
	}
	doc, err := telephony.StreamTwiML(streamURL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, doc)
}

// CallStatusHandler receives call progress callbacks. Calls that never
// reached a media session are finalized here. A completed call is finalized
// after CompletedDelay unless its media session is still running; the
// post-call report claim keeps a call from being reported twice.
type CallStatusHandler struct {
	PostCall       PostCallTrigger
	Calls          ActiveCalls
	CompletedDelay time.Duration
	Logger         *slog.Logger
}

var unansweredStatuses = map[string]struct{}{
	"busy":      {},
	"failed":    {},
	"no-answer": {},
	"canceled":  {},
}

func (h CallStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reqID, _ := mw.RequestIDFrom(r.Context())
	if err := r.ParseForm(); err != nil {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("invalid form body"), http.StatusBadRequest)
		return
	}

	callSID := strings.TrimSpace(r.PostForm.Get("CallSid"))
	status := strings.ToLower(strings.TrimSpace(r.PostForm.Get("CallStatus")))
	logger.Info("call status", "request_id", reqID, "call_sid", callSID, "status", status, "duration", r.PostForm.Get("CallDuration"))

	if callSID != "" && h.PostCall != nil {
		if _, unanswered := unansweredStatuses[status]; unanswered {
			h.PostCall.Trigger(postcall.Report{CallSID: callSID, Reason: status})
		} else if status == "completed" {
			calls := h.Calls
			h.PostCall.TriggerAfter(postcall.Report{CallSID: callSID, Reason: types.ReasonCompleted}, h.CompletedDelay, func() bool {
				return calls != nil && calls.Active(callSID)
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// GetResponseHandler hands a finished call's result to the caller once.
type GetResponseHandler struct {
	Store  ResultTaker
	Logger *slog.Logger
}

type getResponseBody struct {
	CallCompleted bool    `json:"callCompleted"`
	Success       *string `json:"success"`
	CallSummary   *string `json:"callSummary"`
	Transcription *string `json:"transcription"`
}

func (h GetResponseHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	reqID, _ := mw.RequestIDFrom(r.Context())
	callSID := strings.TrimSuffix(strings.TrimSpace(r.URL.Query().Get("callId")), callIDSuffix)
	if callSID == "" {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestErrorWithParam("callId is required", "callId"), http.StatusBadRequest)
		return
	}
	if h.Store == nil {
		writeCoreErrorJSON(w, reqID, core.NewAPIError("result store is not configured"), http.StatusServiceUnavailable)
		return
	}

	res, err := h.Store.TakeResult(r.Context(), callSID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, getResponseBody{})
		return
	}
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("read call result failed", "request_id", reqID, "call_sid", callSID, "error", err)
		}
		writeError(w, r, err)
		return
	}

	reason := res.Reason
	out := getResponseBody{
		CallCompleted: res.CallCompleted,
		Success:       &reason,
		CallSummary:   res.Summary,
	}
	if res.Transcript != nil {
		s := formatTranscription(res.Transcript)
		out.Transcription = &s
	}
	writeJSON(w, http.StatusOK, out)
}

// formatTranscription renders "role: text" lines, skipping empty entries.
func formatTranscription(entries []types.TranscriptEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.Text) == "" {
			continue
		}
		lines = append(lines, e.Role+": "+e.Text)
	}
	return strings.Join(lines, "\n")
}
