package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/callbridge/pkg/gateway/config"
	"github.com/vango-go/callbridge/pkg/gateway/handlers"
	"github.com/vango-go/callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/callbridge/pkg/gateway/live/instructions"
	"github.com/vango-go/callbridge/pkg/gateway/live/session"
	"github.com/vango-go/callbridge/pkg/gateway/live/sessions"
	"github.com/vango-go/callbridge/pkg/gateway/mw"
	"github.com/vango-go/callbridge/pkg/gateway/telephony"
)

// Store is everything the HTTP surface and call sessions read and write.
type Store interface {
	handlers.Pinger
	handlers.ContextWriter
	handlers.ResultTaker
	session.Store
}

type Telephony interface {
	handlers.CallPlacer
	session.Control
	StreamURL() string
}

type PostCall interface {
	handlers.PostCallTrigger
	Wait(ctx context.Context) bool
}

type Dependencies struct {
	Store     Store
	Telephony Telephony
	DialAI    session.AIDialer
	PostCall  PostCall
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Dependencies

	lifecycle *lifecycle.Lifecycle
	calls     *sessions.Tracker
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		deps:      deps,
		lifecycle: &lifecycle.Lifecycle{},
		calls:     sessions.NewTracker(),
	}

	s.routes()
	return s
}

// SessionConfig maps process configuration onto per-call session settings.
func SessionConfig(cfg config.Config) session.Config {
	return session.Config{
		SilenceTimeout:    cfg.SilenceTimeout,
		EndCallDelay:      cfg.EndCallDelay,
		MaxCallDuration:   cfg.MaxCallDuration,
		ControlTimeout:    cfg.ControlTimeout,
		StoreTimeout:      cfg.StoreTimeout,
		PingInterval:      cfg.WSPingInterval,
		WriteTimeout:      cfg.WSWriteTimeout,
		OutboundQueueSize: cfg.WSOutboundQueue,
		MissingContext:    session.MissingContextPolicy(cfg.MissingContextPolicy),
		Instructions: instructions.Options{
			Voice:              cfg.Voice,
			Temperature:        cfg.Temperature,
			TranscriptionModel: cfg.TranscriptionModel,
			AgentName:          cfg.AgentName,
		},
	}
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle, Store: s.pinger()})

	// Operator API, bearer-key authenticated.
	s.mux.Handle("/api/start-call", mw.MaxBody(s.cfg.MaxBodyBytes, mw.Auth(s.cfg, handlers.StartCallHandler{
		Telephony: s.placer(),
		Store:     s.contextWriter(),
		Lifecycle: s.lifecycle,
		Logger:    s.logger,
		Timeout:   s.cfg.HandlerTimeout,
	})))
	s.mux.Handle("/api/get-response", mw.Auth(s.cfg, handlers.GetResponseHandler{
		Store:  s.resultTaker(),
		Logger: s.logger,
	}))

	// Telephony platform webhooks, signature checked.
	var streamURL string
	if s.deps.Telephony != nil {
		streamURL = s.deps.Telephony.StreamURL()
	}
	s.mux.Handle(telephony.OutgoingCallPath, mw.TwilioSignature(s.cfg, s.logger, handlers.OutgoingCallHandler{
		StreamURL: streamURL,
		Logger:    s.logger,
	}))
	s.mux.Handle(telephony.CallStatusPath, mw.MaxBody(s.cfg.MaxBodyBytes, mw.TwilioSignature(s.cfg, s.logger, handlers.CallStatusHandler{
		PostCall:       s.postCallTrigger(),
		Calls:          s.calls,
		CompletedDelay: s.cfg.StatusCallbackDelay,
		Logger:         s.logger,
	})))
	s.mux.Handle(telephony.MediaStreamPath, handlers.MediaStreamHandler{
		Logger:    s.logger,
		Lifecycle: s.lifecycle,
		Sessions:  s.calls,
		DialAI:    s.deps.DialAI,
		Control:   s.control(),
		Store:     s.sessionStore(),
		PostCall:  s.sessionPostCall(),
		Session:   SessionConfig(s.cfg),
		ReadLimit: s.cfg.WSReadLimitBytes,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining stops new calls from being placed or bridged.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// ActiveCalls lists the call sids of bridged calls still in progress.
func (s *Server) ActiveCalls() []string {
	return s.calls.CallSIDs()
}

func (s *Server) WaitCallSessions(ctx context.Context) bool {
	return s.calls.Wait(ctx)
}

func (s *Server) CancelCallSessions() {
	s.calls.CancelAll()
}

// WaitPostCall waits for post-call workflows already triggered.
func (s *Server) WaitPostCall(ctx context.Context) bool {
	if s.deps.PostCall == nil {
		return true
	}
	return s.deps.PostCall.Wait(ctx)
}

// The accessors below keep nil dependencies as untyped nil interfaces so
// handlers can detect what is not configured.

func (s *Server) pinger() handlers.Pinger {
	if s.deps.Store == nil {
		return nil
	}
	return s.deps.Store
}

func (s *Server) contextWriter() handlers.ContextWriter {
	if s.deps.Store == nil {
		return nil
	}
	return s.deps.Store
}

func (s *Server) resultTaker() handlers.ResultTaker {
	if s.deps.Store == nil {
		return nil
	}
	return s.deps.Store
}

func (s *Server) sessionStore() session.Store {
	if s.deps.Store == nil {
		return nil
	}
	return s.deps.Store
}

func (s *Server) placer() handlers.CallPlacer {
	if s.deps.Telephony == nil {
		return nil
	}
	return s.deps.Telephony
}

func (s *Server) control() session.Control {
	if s.deps.Telephony == nil {
		return nil
	}
	return s.deps.Telephony
}

func (s *Server) postCallTrigger() handlers.PostCallTrigger {
	if s.deps.PostCall == nil {
		return nil
	}
	return s.deps.PostCall
}

func (s *Server) sessionPostCall() session.PostCall {
	if s.deps.PostCall == nil {
		return nil
	}
	return s.deps.PostCall
}
