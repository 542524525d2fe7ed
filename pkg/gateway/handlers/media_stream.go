package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/callbridge/pkg/gateway/live/session"
	"github.com/vango-go/callbridge/pkg/gateway/live/sessions"
	"github.com/vango-go/callbridge/pkg/gateway/mw"
)

// MediaStreamHandler accepts the telephony platform's media websocket and
// bridges it to a new AI realtime session for the lifetime of the call.
type MediaStreamHandler struct {
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker

	DialAI   session.AIDialer
	Control  session.Control
	Store    session.Store
	PostCall session.PostCall

	Session   session.Config
	ReadLimit int64
}

func (h MediaStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if h.Lifecycle.IsDraining() {
		draining(w, r)
		return
	}
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reqID, _ := mw.RequestIDFrom(r.Context())

	upgrader := websocket.Upgrader{
		// The platform does not send an Origin header.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("media stream upgrade failed", "request_id", reqID, "error", err)
		return
	}
	defer conn.Close()

	if h.ReadLimit > 0 {
		conn.SetReadLimit(h.ReadLimit)
	}

	sessionID := "cs_" + uuid.NewString()
	s, err := session.New(session.Dependencies{
		Conn:      conn,
		DialAI:    h.DialAI,
		Control:   h.Control,
		Store:     h.Store,
		PostCall:  h.PostCall,
		Logger:    logger.With("request_id", reqID),
		SessionID: sessionID,
		Config:    h.Session,
	})
	if err != nil {
		logger.Error("failed to initialize call session", "request_id", reqID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session init failed"), time.Now().Add(time.Second))
		return
	}

	unregister := h.Sessions.Register(sessionID, sessions.Handle{
		Cancel:  s.Cancel,
		CallSID: s.CallSID,
	})
	defer unregister()

	if err := s.Run(); err != nil {
		logger.Warn("call session ended with error", "session_id", sessionID, "call_sid", s.CallSID(), "reason", s.Reason(), "error", err)
		return
	}
	logger.Info("call session ended", "session_id", sessionID, "call_sid", s.CallSID(), "reason", s.Reason())
}
