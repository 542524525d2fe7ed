// Package postcall runs the hand-off after a call ends: summary, stored result,
// transcript email, and cleanup of per-call keys.
package postcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/callbridge/pkg/core/types"
	"github.com/vango-go/callbridge/pkg/gateway/store"
)

const summaryUnavailable = "Summary unavailable due to an error."

// Report describes a finished call.
type Report struct {
	CallSID string
	Reason  string
	// Context and Transcript are the session's in-memory copies; the stored
	// versions win when they can be read.
	Context    *types.CallContext
	Transcript []types.TranscriptEntry
}

type Store interface {
	GetContext(ctx context.Context, callSID string) (*types.CallContext, error)
	Transcript(ctx context.Context, callSID string) ([]types.TranscriptEntry, error)
	SaveResult(ctx context.Context, callSID string, res types.CallResult) error
	DeleteContext(ctx context.Context, callSID string) error
	DeleteTranscript(ctx context.Context, callSID string) error
	ClaimReport(ctx context.Context, callSID string) (bool, error)
	ReleaseReport(ctx context.Context, callSID string) error
}

type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

type Email struct {
	To      []string
	Subject string
	Body    string
}

type Mailer interface {
	Send(ctx context.Context, msg Email) error
}

type Config struct {
	Recipients []string
	Timeout    time.Duration
}

type Dependencies struct {
	Store      Store
	Summarizer Summarizer
	Mailer     Mailer
	Logger     *slog.Logger
	Config     Config
}

type Workflow struct {
	store      Store
	summarizer Summarizer
	mailer     Mailer
	logger     *slog.Logger
	cfg        Config

	wg sync.WaitGroup
}

func New(deps Dependencies) *Workflow {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.Timeout <= 0 {
		deps.Config.Timeout = 2 * time.Minute
	}
	return &Workflow{
		store:      deps.Store,
		summarizer: deps.Summarizer,
		mailer:     deps.Mailer,
		logger:     deps.Logger,
		cfg:        deps.Config,
	}
}

// Trigger runs the workflow in the background, detached from the caller's lifetime.
func (w *Workflow) Trigger(r Report) {
	if w == nil {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
		defer cancel()
		if err := w.Run(ctx, r); err != nil {
			w.logger.Error("post-call workflow failed", "call_sid", r.CallSID, "reason", r.Reason, "error", err)
		}
	}()
}

// TriggerAfter runs the workflow after delay unless skip reports, at that
// point, that another owner will finalize the call.
func (w *Workflow) TriggerAfter(r Report, delay time.Duration, skip func() bool) {
	if w == nil {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if delay > 0 {
			t := time.NewTimer(delay)
			<-t.C
		}
		if skip != nil && skip() {
			w.logger.Debug("post-call workflow left to active session", "call_sid", r.CallSID, "reason", r.Reason)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
		defer cancel()
		if err := w.Run(ctx, r); err != nil {
			w.logger.Error("post-call workflow failed", "call_sid", r.CallSID, "reason", r.Reason, "error", err)
		}
	}()
}

// Wait blocks until triggered runs finish or ctx ends.
func (w *Workflow) Wait(ctx context.Context) bool {
	if w == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Workflow) Run(ctx context.Context, r Report) error {
	if strings.TrimSpace(r.CallSID) == "" {
		return fmt.Errorf("call sid is required")
	}
	if r.Reason == "" {
		r.Reason = types.ReasonCompleted
	}
	logger := w.logger.With("call_sid", r.CallSID, "reason", r.Reason)

	if w.store != nil {
		claimed, err := w.store.ClaimReport(ctx, r.CallSID)
		switch {
		case err != nil:
			logger.Warn("claim call report failed; continuing", "error", err)
		case !claimed:
			logger.Info("call already reported")
			return nil
		}
	}

	transcript := r.Transcript
	cc := r.Context
	if w.store != nil {
		stored, err := w.store.Transcript(ctx, r.CallSID)
		switch {
		case err != nil:
			logger.Warn("load stored transcript failed; using session copy", "error", err)
		case len(stored) > 0:
			transcript = stored
		}
		if cc == nil {
			loaded, err := w.store.GetContext(ctx, r.CallSID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				logger.Warn("load call context failed", "error", err)
			}
			cc = loaded
		}
	}

	formatted := FormatTranscript(transcript)
	completed := types.EndedNormally(r.Reason)

	var summary *string
	if completed && w.summarizer != nil {
		text, err := w.summarizer.Summarize(ctx, formatted)
		if err != nil {
			logger.Warn("summary generation failed", "error", err)
			text = summaryUnavailable
		}
		summary = &text
	}

	result := types.CallResult{
		CallCompleted: completed,
		Reason:        r.Reason,
		Summary:       summary,
		Transcript:    transcript,
	}

	g, gctx := errgroup.WithContext(ctx)
	if w.store != nil {
		g.Go(func() error {
			return w.store.SaveResult(gctx, r.CallSID, result)
		})
	}
	if w.mailer != nil {
		msg := buildEmail(r.CallSID, r.Reason, summary, formatted, w.recipients(cc))
		if len(msg.To) > 0 {
			g.Go(func() error {
				if err := w.mailer.Send(gctx, msg); err != nil {
					logger.Error("send transcript email failed", "error", err)
					return nil
				}
				logger.Info("transcript email sent", "recipients", len(msg.To))
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		if w.store != nil {
			if rerr := w.store.ReleaseReport(context.WithoutCancel(ctx), r.CallSID); rerr != nil {
				logger.Warn("release call report failed", "error", rerr)
			}
		}
		return fmt.Errorf("save call result: %w", err)
	}

	if w.store != nil {
		if err := w.store.DeleteContext(ctx, r.CallSID); err != nil {
			logger.Warn("delete call context failed", "error", err)
		}
		if err := w.store.DeleteTranscript(ctx, r.CallSID); err != nil {
			logger.Warn("delete transcript failed", "error", err)
		}
	}
	logger.Info("post-call workflow complete", "entries", len(transcript), "summarized", summary != nil)
	return nil
}

func (w *Workflow) recipients(cc *types.CallContext) []string {
	seen := make(map[string]struct{}, len(w.cfg.Recipients)+1)
	out := make([]string, 0, len(w.cfg.Recipients)+1)
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return
		}
		key := strings.ToLower(addr)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	for _, r := range w.cfg.Recipients {
		add(r)
	}
	if cc != nil {
		add(cc.CompanyEmail)
	}
	return out
}

// FormatTranscript renders entries as "Agent: ..." and "Insurance Rep: ..." lines.
func FormatTranscript(entries []types.TranscriptEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		speaker := "Insurance Rep"
		if e.Role == types.RoleAgent {
			speaker = "Agent"
		}
		lines = append(lines, speaker+": "+e.Text)
	}
	return strings.Join(lines, "\n")
}

func buildEmail(callSID, reason string, summary *string, formatted string, to []string) Email {
	summaryText := "No summary"
	if summary != nil && strings.TrimSpace(*summary) != "" {
		summaryText = *summary
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Call ended reason: %s\n\n", reason)
	fmt.Fprintf(&b, "Summary:\n%s\n\n", summaryText)
	fmt.Fprintf(&b, "Transcript:\n%s\n", formatted)
	return Email{
		To:      to,
		Subject: fmt.Sprintf("Insurance Verification Call Transcript - %s (%s)", callSID, reason),
		Body:    b.String(),
	}
}
