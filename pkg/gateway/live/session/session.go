// Package session bridges one telephony media stream to one AI realtime socket.
//
// A CallSession owns both legs of a single call. All call state is mutated by
// the Run goroutine only; socket reads, socket writes, store writes and
// telephony control requests happen on helper goroutines that report back
// over channels.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"

	"github.com/vango-go/callbridge/pkg/core/types"
	"github.com/vango-go/callbridge/pkg/gateway/live/instructions"
	"github.com/vango-go/callbridge/pkg/gateway/live/mediastream"
	"github.com/vango-go/callbridge/pkg/gateway/live/phrases"
	"github.com/vango-go/callbridge/pkg/gateway/live/realtime"
	"github.com/vango-go/callbridge/pkg/gateway/postcall"
	"github.com/vango-go/callbridge/pkg/gateway/store"
)

const (
	DefaultSilenceTimeout  = 40 * time.Second
	DefaultEndCallDelay    = 6 * time.Second
	DefaultMaxCallDuration = 2 * time.Hour
	DefaultControlTimeout  = 10 * time.Second
	DefaultStoreTimeout    = 5 * time.Second

	transcriptQueueSize = 256
)

var errBackpressure = errors.New("call outbound backpressure")

// Conn is one websocket leg. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	wsWriter
}

// AIDialer opens the AI realtime socket for a new call.
type AIDialer func(ctx context.Context) (Conn, error)

// Control drives the live call on the telephony platform.
type Control interface {
	EndCall(ctx context.Context, callSID string) error
	InjectDigit(ctx context.Context, callSID, digit string) error
}

type Store interface {
	GetContext(ctx context.Context, callSID string) (*types.CallContext, error)
	AppendTranscript(ctx context.Context, callSID string, entry types.TranscriptEntry) error
	DeleteContext(ctx context.Context, callSID string) error
	DeleteTranscript(ctx context.Context, callSID string) error
}

type PostCall interface {
	Trigger(r postcall.Report)
}

// MissingContextPolicy decides what happens when no call context is stored for a call.
type MissingContextPolicy string

const (
	MissingContextGeneric MissingContextPolicy = "generic"
	MissingContextReject  MissingContextPolicy = "reject"
)

type Config struct {
	SilenceTimeout    time.Duration
	EndCallDelay      time.Duration
	MaxCallDuration   time.Duration
	ControlTimeout    time.Duration
	StoreTimeout      time.Duration
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	OutboundQueueSize int
	MissingContext    MissingContextPolicy
	Instructions      instructions.Options
}

type Dependencies struct {
	Conn      Conn
	DialAI    AIDialer
	Control   Control
	Store     Store
	PostCall  PostCall
	Logger    *slog.Logger
	SessionID string
	Config    Config
}

type CallSession struct {
	conn     Conn
	dialAI   AIDialer
	control  Control
	store    Store
	postCall PostCall
	logger   *slog.Logger
	id       string
	cfg      Config

	ctx     context.Context
	cancel  context.CancelFunc
	closed  core.Fuse
	wg      sync.WaitGroup
	writers sync.WaitGroup

	telOut    chan []byte
	aiOut     chan []byte
	digitErr  chan error
	activeSID atomic.Value // string

	// Owned by Run.
	callSID      string
	streamSID    string
	tl           timeline
	transcript   []types.TranscriptEntry
	callContext  *types.CallContext
	contextReady bool
	ai           Conn
	configSent   bool
	endScheduled bool
	handoff      bool
	watchdog     sessionTimer
	endTimer     sessionTimer
	maxTimer     sessionTimer
	appendCh     chan types.TranscriptEntry
	storeDone    chan struct{}
	reason       string
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type dialResult struct {
	conn Conn
	err  error
}

type contextResult struct {
	cc  *types.CallContext
	err error
}

func New(deps Dependencies) (*CallSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.DialAI == nil {
		return nil, fmt.Errorf("ai dialer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg := deps.Config
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.EndCallDelay <= 0 {
		cfg.EndCallDelay = DefaultEndCallDelay
	}
	if cfg.MaxCallDuration < 0 {
		cfg.MaxCallDuration = 0
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = DefaultControlTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 512
	}
	if cfg.MissingContext == "" {
		cfg.MissingContext = MissingContextGeneric
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CallSession{
		conn:     deps.Conn,
		dialAI:   deps.DialAI,
		control:  deps.Control,
		store:    deps.Store,
		postCall: deps.PostCall,
		logger:   deps.Logger.With("session_id", deps.SessionID),
		id:       deps.SessionID,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		telOut:   make(chan []byte, cfg.OutboundQueueSize),
		aiOut:    make(chan []byte, cfg.OutboundQueueSize),
		digitErr: make(chan error, 4),
	}, nil
}

// Run drives the call until either leg closes, a timer ends the call, or Cancel is called.
func (s *CallSession) Run() error {
	defer s.cancel()

	telRead := make(chan inboundFrame, 64)
	go s.readLoop(s.conn, telRead)
	telWriterErr := s.startWriter(s.conn, s.telOut)

	dialCh := make(chan dialResult, 1)
	s.spawn(func() {
		conn, err := s.dialAI(s.ctx)
		dialCh <- dialResult{conn: conn, err: err}
	})

	var (
		aiRead      chan inboundFrame
		aiWriterErr <-chan error
		contextCh   chan contextResult
	)

	for !s.closed.IsBroken() {
		select {
		case <-s.ctx.Done():
			s.close(types.ReasonCanceled)

		case f, ok := <-telRead:
			if !ok {
				telRead = nil
				continue
			}
			if f.err != nil {
				s.logger.Debug("telephony socket closed", "error", f.err)
				s.close(s.hangupReason())
				continue
			}
			if ch := s.handleTelephony(f); ch != nil {
				contextCh = ch
			}

		case err, ok := <-telWriterErr:
			if !ok {
				telWriterErr = nil
				continue
			}
			telWriterErr = nil
			if err != nil {
				s.logger.Warn("telephony write failed", "error", err)
				s.close(s.hangupReason())
			}

		case r := <-dialCh:
			dialCh = nil
			if r.err != nil {
				s.logger.Error("ai realtime dial failed", "error", r.err)
				continue
			}
			s.ai = r.conn
			aiRead = make(chan inboundFrame, 64)
			go s.readLoop(s.ai, aiRead)
			aiWriterErr = s.startWriter(s.ai, s.aiOut)
			s.logger.Info("ai realtime connected")
			s.maybeConfigure()

		case f, ok := <-aiRead:
			if !ok {
				aiRead = nil
				continue
			}
			if f.err != nil {
				s.logger.Warn("ai realtime socket closed", "error", f.err)
				s.close(types.ReasonAIDisconnected)
				continue
			}
			s.handleAI(f)

		case err, ok := <-aiWriterErr:
			if !ok {
				aiWriterErr = nil
				continue
			}
			aiWriterErr = nil
			if err != nil {
				s.logger.Warn("ai realtime write failed", "error", err)
				s.close(types.ReasonAIDisconnected)
			}

		case r := <-contextCh:
			contextCh = nil
			s.onContext(r)

		case err := <-s.digitErr:
			if err != nil {
				s.handoff = false
				s.logger.Error("inject digit failed", "error", err)
			}

		case <-s.watchdog.C():
			s.watchdog.Fired()
			s.logger.Warn("no caller speech detected; ending call", "timeout", s.cfg.SilenceTimeout)
			s.endCall()
			s.close(types.ReasonSilenceTimeout)

		case <-s.endTimer.C():
			s.endTimer.Fired()
			s.endCall()
			s.close(types.ReasonCompleted)

		case <-s.maxTimer.C():
			s.maxTimer.Fired()
			s.logger.Warn("call exceeded max duration; ending call", "max_duration", s.cfg.MaxCallDuration)
			s.endCall()
			s.close(types.ReasonMaxDuration)
		}
	}

	s.wg.Wait()
	s.waitWriters(250 * time.Millisecond)
	select {
	case r := <-dialCh:
		if r.conn != nil {
			_ = r.conn.Close()
		}
	default:
	}
	return nil
}

// Cancel ends the session from outside the run loop.
func (s *CallSession) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

func (s *CallSession) ID() string { return s.id }

// CallSID is safe to call from any goroutine. Empty until the stream starts.
func (s *CallSession) CallSID() string {
	sid, _ := s.activeSID.Load().(string)
	return sid
}

func (s *CallSession) hangupReason() string {
	if s.handoff {
		return types.ReasonDTMFReconnect
	}
	return types.ReasonCallerHangup
}

func (s *CallSession) handleTelephony(f inboundFrame) chan contextResult {
	if f.messageType != websocket.TextMessage {
		return nil
	}
	msg, err := mediastream.DecodeInbound(f.data)
	if err != nil {
		s.logger.Warn("discarding malformed telephony frame", "error", err)
		return nil
	}
	switch m := msg.(type) {
	case mediastream.Connected:
		s.logger.Debug("telephony stream connected", "protocol", m.Protocol)
	case mediastream.Start:
		return s.onStart(m)
	case mediastream.Media:
		s.tl.observeMedia(m.Timestamp)
		if s.ai != nil {
			s.sendAI(realtime.NewInputAudioAppend(m.Payload))
		}
	case mediastream.Mark:
		s.tl.ackMark()
	case mediastream.DTMF:
		s.logger.Info("caller pressed key", "digit", m.Digit)
	case mediastream.Stop:
		s.logger.Info("telephony stream stopped")
		s.close(s.hangupReason())
	}
	return nil
}

func (s *CallSession) onStart(m mediastream.Start) chan contextResult {
	s.tl.reset()
	if s.callSID != "" {
		s.logger.Warn("duplicate stream start", "stream_sid", m.StreamSID)
		s.streamSID = m.StreamSID
		return nil
	}
	s.streamSID = m.StreamSID
	s.callSID = m.CallSID
	s.activeSID.Store(m.CallSID)
	s.logger = s.logger.With("call_sid", s.callSID, "stream_sid", s.streamSID)
	s.logger.Info("telephony stream started")

	s.watchdog.Reset(s.cfg.SilenceTimeout)
	s.maxTimer.Reset(s.cfg.MaxCallDuration)
	s.startTranscriptWorker()

	out := make(chan contextResult, 1)
	if s.store == nil {
		out <- contextResult{err: store.ErrNotFound}
		return out
	}
	callSID := s.callSID
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.StoreTimeout)
		defer cancel()
		cc, err := s.store.GetContext(ctx, callSID)
		out <- contextResult{cc: cc, err: err}
	})
	return out
}

func (s *CallSession) onContext(r contextResult) {
	if r.err != nil && !errors.Is(r.err, store.ErrNotFound) {
		s.logger.Warn("load call context failed", "error", r.err)
	}
	if r.cc == nil {
		if s.cfg.MissingContext == MissingContextReject {
			s.logger.Error("no call context stored; ending call")
			s.endCall()
			s.close(types.ReasonMissingContext)
			return
		}
		s.logger.Warn("no call context stored; using generic instructions")
	}
	s.callContext = r.cc
	s.contextReady = true
	s.maybeConfigure()
}

// maybeConfigure sends session.update once both the context and the AI socket are ready.
func (s *CallSession) maybeConfigure() {
	if s.configSent || !s.contextReady || s.ai == nil {
		return
	}
	s.sendAI(realtime.NewSessionUpdate(instructions.Build(s.callContext, s.cfg.Instructions)))
	s.configSent = true
	s.logger.Info("ai session configured", "has_context", s.callContext != nil)
}

func (s *CallSession) handleAI(f inboundFrame) {
	if f.messageType != websocket.TextMessage {
		return
	}
	ev, err := realtime.DecodeServerEvent(f.data)
	if err != nil {
		s.logger.Warn("discarding malformed ai event", "error", err)
		return
	}
	switch e := ev.(type) {
	case realtime.AudioDelta:
		s.onAudioDelta(e)
	case realtime.SpeechStarted:
		s.onSpeechStarted()
	case realtime.TranscriptDone:
		s.onTranscript(types.RoleAgent, e.Transcript)
	case realtime.InputTranscribed:
		s.onTranscript(types.RoleCaller, e.Transcript)
	case realtime.ServerError:
		s.logger.Warn("ai realtime error", "type", e.Error.Type, "code", e.Error.Code, "message", e.Error.Message)
	}
}

func (s *CallSession) onAudioDelta(e realtime.AudioDelta) {
	if s.streamSID == "" {
		return
	}
	if err := s.sendTelephony(mediastream.NewMedia(s.streamSID, e.Delta)); err != nil {
		return
	}
	s.tl.noteAudio(e.ItemID)
	if err := s.sendTelephony(mediastream.NewMark(s.streamSID, markName)); err == nil {
		s.tl.pushMark()
	}
}

func (s *CallSession) onSpeechStarted() {
	truncate, active := s.tl.interrupt()
	if truncate != nil {
		s.sendAI(*truncate)
	}
	if active {
		_ = s.sendTelephony(mediastream.NewClear(s.streamSID))
		s.logger.Debug("caller interrupted playback", "truncated", truncate != nil)
	}
	if s.callSID != "" {
		s.watchdog.Reset(s.cfg.SilenceTimeout)
	}
}

func (s *CallSession) onTranscript(role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	entry := types.TranscriptEntry{Role: role, Text: text}
	s.transcript = append(s.transcript, entry)
	s.persist(entry)
	s.logger.Debug("transcript", "role", role, "text", text)

	if role != types.RoleAgent {
		return
	}
	if cmd, ok := phrases.ParseDigitCommand(text); ok {
		s.injectDigit(cmd.Digit)
		if cmd.AnnounceOnly {
			s.flushPlayback()
			return
		}
	}
	if !s.endScheduled && phrases.IsCallEnding(text) {
		s.endScheduled = true
		s.endTimer.Reset(s.cfg.EndCallDelay)
		s.logger.Info("call-ending phrase detected", "delay", s.cfg.EndCallDelay)
	}
}

func (s *CallSession) flushPlayback() {
	if s.streamSID != "" {
		_ = s.sendTelephony(mediastream.NewClear(s.streamSID))
	}
	s.tl.resetPlayback()
}

func (s *CallSession) injectDigit(digit string) {
	if s.callSID == "" || s.control == nil {
		return
	}
	s.handoff = true
	callSID := s.callSID
	s.logger.Info("sending touch-tone", "digit", digit)
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ControlTimeout)
		defer cancel()
		err := s.control.InjectDigit(ctx, callSID, digit)
		select {
		case s.digitErr <- err:
		default:
		}
	})
}

func (s *CallSession) endCall() {
	if s.callSID == "" || s.control == nil {
		return
	}
	callSID := s.callSID
	logger := s.logger
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ControlTimeout)
		defer cancel()
		if err := s.control.EndCall(ctx, callSID); err != nil {
			logger.Error("end call failed", "error", err)
		}
	})
}

func (s *CallSession) startTranscriptWorker() {
	if s.store == nil || s.appendCh != nil {
		return
	}
	s.appendCh = make(chan types.TranscriptEntry, transcriptQueueSize)
	s.storeDone = make(chan struct{})
	in, done, callSID, logger := s.appendCh, s.storeDone, s.callSID, s.logger
	s.spawn(func() {
		defer close(done)
		for entry := range in {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
			if err := s.store.AppendTranscript(ctx, callSID, entry); err != nil {
				logger.Warn("persist transcript entry failed", "error", err)
			}
			cancel()
		}
	})
}

func (s *CallSession) persist(entry types.TranscriptEntry) {
	if s.appendCh == nil {
		return
	}
	select {
	case s.appendCh <- entry:
	default:
		s.logger.Warn("transcript store queue full; entry kept in memory only")
	}
}

// close ends the session once. Later calls are no-ops.
func (s *CallSession) close(reason string) {
	s.closed.Once(func() {
		if s.ctx.Err() != nil {
			// Cancel was called; socket errors seen since are a consequence.
			reason = types.ReasonCanceled
		}
		s.reason = reason
		s.watchdog.Stop()
		s.endTimer.Stop()
		s.maxTimer.Stop()
		s.cancel()
		if s.appendCh != nil {
			close(s.appendCh)
		}
		s.logger.Info("call session closed", "reason", reason, "entries", len(s.transcript))

		if s.callSID == "" {
			return
		}
		if s.handoff {
			s.logger.Info("stream handed off to reconnecting leg")
			return
		}
		s.handOff(reason)
	})
}

// handOff runs after the transcript queue drains: the post-call workflow when
// one is configured, otherwise a plain cleanup of the call's keys.
func (s *CallSession) handOff(reason string) {
	report := postcall.Report{
		CallSID:    s.callSID,
		Reason:     reason,
		Context:    s.callContext,
		Transcript: append([]types.TranscriptEntry(nil), s.transcript...),
	}
	storeDone := s.storeDone
	s.spawn(func() {
		if storeDone != nil {
			t := time.NewTimer(s.cfg.StoreTimeout)
			select {
			case <-storeDone:
			case <-t.C:
			}
			t.Stop()
		}
		if s.postCall != nil {
			s.postCall.Trigger(report)
			return
		}
		if s.store == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
		defer cancel()
		if err := s.store.DeleteContext(ctx, report.CallSID); err != nil {
			s.logger.Warn("delete call context failed", "error", err)
		}
		if err := s.store.DeleteTranscript(ctx, report.CallSID); err != nil {
			s.logger.Warn("delete transcript failed", "error", err)
		}
	})
}

// Reason is the recorded end reason; empty until the session closes.
func (s *CallSession) Reason() string {
	if !s.closed.IsBroken() {
		return ""
	}
	return s.reason
}

func (s *CallSession) sendTelephony(v any) error {
	return s.enqueue(s.telOut, v, "telephony")
}

func (s *CallSession) sendAI(v any) {
	_ = s.enqueue(s.aiOut, v, "ai")
}

func (s *CallSession) enqueue(queue chan []byte, v any, leg string) error {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode outbound frame failed", "leg", leg, "error", err)
		return err
	}
	select {
	case queue <- payload:
		return nil
	default:
		s.logger.Warn("outbound queue full; dropping frame", "leg", leg)
		return errBackpressure
	}
}

func (s *CallSession) startWriter(ws wsWriter, queue <-chan []byte) <-chan error {
	errCh := make(chan error, 1)
	s.writers.Add(1)
	go func() {
		defer s.writers.Done()
		w := outboundWriter{
			ws:           ws,
			ctx:          s.ctx,
			queue:        queue,
			pingInterval: s.cfg.PingInterval,
			writeTimeout: s.cfg.WriteTimeout,
		}
		errCh <- w.Run()
		close(errCh)
	}()
	return errCh
}

// waitWriters gives the writers a moment to flush and send their close frames.
func (s *CallSession) waitWriters(d time.Duration) {
	done := make(chan struct{})
	go func() {
		s.writers.Wait()
		close(done)
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
	}
}

func (s *CallSession) readLoop(conn Conn, out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *CallSession) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}
