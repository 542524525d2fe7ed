package postcall

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/callbridge/pkg/core/types"
	"github.com/vango-go/callbridge/pkg/gateway/store"
)

type fakeStore struct {
	mu         sync.Mutex
	contexts   map[string]*types.CallContext
	transcript map[string][]types.TranscriptEntry
	results    map[string]types.CallResult
	claims     map[string]bool
	saveErr    error
	deleted    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		contexts:   make(map[string]*types.CallContext),
		transcript: make(map[string][]types.TranscriptEntry),
		results:    make(map[string]types.CallResult),
		claims:     make(map[string]bool),
	}
}

func (f *fakeStore) ClaimReport(_ context.Context, sid string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claims[sid] {
		return false, nil
	}
	f.claims[sid] = true
	return true, nil
}

func (f *fakeStore) ReleaseReport(_ context.Context, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claims, sid)
	return nil
}

func (f *fakeStore) GetContext(_ context.Context, sid string) (*types.CallContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cc, ok := f.contexts[sid]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cc, nil
}

func (f *fakeStore) Transcript(_ context.Context, sid string) ([]types.TranscriptEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcript[sid], nil
}

func (f *fakeStore) SaveResult(_ context.Context, sid string, res types.CallResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.results[sid] = res
	return nil
}

func (f *fakeStore) DeleteContext(_ context.Context, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.contexts, sid)
	f.deleted = append(f.deleted, "context:"+sid)
	return nil
}

func (f *fakeStore) DeleteTranscript(_ context.Context, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.transcript, sid)
	f.deleted = append(f.deleted, "transcript:"+sid)
	return nil
}

type fakeSummarizer struct {
	mu    sync.Mutex
	calls []string
	text  string
	err   error
}

func (f *fakeSummarizer) Summarize(_ context.Context, transcript string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, transcript)
	return f.text, f.err
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []Email
	err  error
}

func (f *fakeMailer) Send(_ context.Context, msg Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_CompletedCallSummarizesSavesAndCleansUp(t *testing.T) {
	st := newFakeStore()
	st.contexts["CA1"] = &types.CallContext{CompanyEmail: "ops@example.com"}
	st.transcript["CA1"] = []types.TranscriptEntry{
		{Role: types.RoleAgent, Text: "Hi, I'm calling to verify a policy."},
		{Role: types.RoleCaller, Text: "Sure, go ahead."},
	}
	sum := &fakeSummarizer{text: "Verified."}
	mailer := &fakeMailer{}
	wf := New(Dependencies{
		Store:      st,
		Summarizer: sum,
		Mailer:     mailer,
		Logger:     discardLogger(),
		Config:     Config{Recipients: []string{"audit@example.com", "OPS@example.com"}},
	})

	if err := wf.Run(context.Background(), Report{CallSID: "CA1", Reason: types.ReasonCompleted}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(sum.calls) != 1 {
		t.Fatalf("summarize calls=%d, want 1", len(sum.calls))
	}
	wantText := "Agent: Hi, I'm calling to verify a policy.\nInsurance Rep: Sure, go ahead."
	if sum.calls[0] != wantText {
		t.Fatalf("summarized %q, want %q", sum.calls[0], wantText)
	}

	res, ok := st.results["CA1"]
	if !ok {
		t.Fatalf("result not saved")
	}
	if !res.CallCompleted || res.Reason != types.ReasonCompleted {
		t.Fatalf("result=%+v", res)
	}
	if res.Summary == nil || *res.Summary != "Verified." {
		t.Fatalf("summary=%v", res.Summary)
	}
	if len(res.Transcript) != 2 {
		t.Fatalf("transcript=%d, want 2", len(res.Transcript))
	}

	if len(mailer.sent) != 1 {
		t.Fatalf("emails=%d, want 1", len(mailer.sent))
	}
	msg := mailer.sent[0]
	if len(msg.To) != 2 || msg.To[0] != "audit@example.com" || msg.To[1] != "OPS@example.com" {
		t.Fatalf("to=%v", msg.To)
	}
	if msg.Subject != "Insurance Verification Call Transcript - CA1 (completed)" {
		t.Fatalf("subject=%q", msg.Subject)
	}
	for _, want := range []string{"Call ended reason: completed", "Summary:\nVerified.", "Transcript:\n" + wantText} {
		if !strings.Contains(msg.Body, want) {
			t.Fatalf("body %q missing %q", msg.Body, want)
		}
	}

	if _, ok := st.contexts["CA1"]; ok {
		t.Fatalf("context not deleted")
	}
	if _, ok := st.transcript["CA1"]; ok {
		t.Fatalf("transcript not deleted")
	}
}

func TestRun_CallerHangupCountsAsCompleted(t *testing.T) {
	st := newFakeStore()
	sum := &fakeSummarizer{text: "Rep confirmed coverage then hung up."}
	wf := New(Dependencies{Store: st, Summarizer: sum, Logger: discardLogger()})

	if err := wf.Run(context.Background(), Report{CallSID: "CA9", Reason: types.ReasonCallerHangup}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := st.results["CA9"]
	if !res.CallCompleted || res.Reason != types.ReasonCallerHangup {
		t.Fatalf("result=%+v", res)
	}
	if len(sum.calls) != 1 {
		t.Fatalf("summarize calls=%d, want 1", len(sum.calls))
	}
}

func TestRun_NonCompletedSkipsSummary(t *testing.T) {
	st := newFakeStore()
	sum := &fakeSummarizer{text: "unused"}
	wf := New(Dependencies{Store: st, Summarizer: sum, Logger: discardLogger()})

	report := Report{
		CallSID:    "CA2",
		Reason:     types.ReasonSilenceTimeout,
		Transcript: []types.TranscriptEntry{{Role: types.RoleAgent, Text: "Hello?"}},
	}
	if err := wf.Run(context.Background(), report); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sum.calls) != 0 {
		t.Fatalf("summarize calls=%d, want 0", len(sum.calls))
	}
	res := st.results["CA2"]
	if res.CallCompleted || res.Reason != types.ReasonSilenceTimeout || res.Summary != nil {
		t.Fatalf("result=%+v", res)
	}
	if len(res.Transcript) != 1 || res.Transcript[0].Text != "Hello?" {
		t.Fatalf("session transcript not used: %+v", res.Transcript)
	}
}

func TestRun_SummaryFailureUsesFallback(t *testing.T) {
	st := newFakeStore()
	wf := New(Dependencies{
		Store:      st,
		Summarizer: &fakeSummarizer{err: errors.New("upstream 500")},
		Logger:     discardLogger(),
	})
	if err := wf.Run(context.Background(), Report{CallSID: "CA3", Reason: types.ReasonCompleted}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := st.results["CA3"]
	if res.Summary == nil || *res.Summary != summaryUnavailable {
		t.Fatalf("summary=%v, want fallback", res.Summary)
	}
}

func TestRun_MailFailureIsNotFatal(t *testing.T) {
	st := newFakeStore()
	mailer := &fakeMailer{err: errors.New("smtp down")}
	wf := New(Dependencies{
		Store:  st,
		Mailer: mailer,
		Logger: discardLogger(),
		Config: Config{Recipients: []string{"audit@example.com"}},
	})
	if err := wf.Run(context.Background(), Report{CallSID: "CA4", Reason: types.ReasonAIDisconnected}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := st.results["CA4"]; !ok {
		t.Fatalf("result not saved")
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("emails=%d, want 1", len(mailer.sent))
	}
}

func TestRun_SaveFailureKeepsKeys(t *testing.T) {
	st := newFakeStore()
	st.saveErr = errors.New("redis down")
	st.contexts["CA5"] = &types.CallContext{}
	wf := New(Dependencies{Store: st, Logger: discardLogger()})

	err := wf.Run(context.Background(), Report{CallSID: "CA5", Reason: types.ReasonCompleted})
	if err == nil || !strings.Contains(err.Error(), "redis down") {
		t.Fatalf("err=%v", err)
	}
	if len(st.deleted) != 0 {
		t.Fatalf("deleted=%v, want none", st.deleted)
	}
	if st.claims["CA5"] {
		t.Fatalf("claim kept after failed save")
	}
}

func TestRun_SecondReportForSameCallIsSkipped(t *testing.T) {
	st := newFakeStore()
	st.contexts["CA10"] = &types.CallContext{CompanyEmail: "ops@example.com"}
	mailer := &fakeMailer{}
	wf := New(Dependencies{Store: st, Mailer: mailer, Logger: discardLogger()})

	if err := wf.Run(context.Background(), Report{CallSID: "CA10", Reason: types.ReasonSilenceTimeout}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := wf.Run(context.Background(), Report{CallSID: "CA10", Reason: types.ReasonCompleted}); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if len(mailer.sent) != 1 {
		t.Fatalf("emails=%d, want 1", len(mailer.sent))
	}
	if res := st.results["CA10"]; res.Reason != types.ReasonSilenceTimeout {
		t.Fatalf("result reason=%q, want first report kept", res.Reason)
	}
}

func TestRun_NoRecipientsSkipsEmail(t *testing.T) {
	mailer := &fakeMailer{}
	wf := New(Dependencies{Store: newFakeStore(), Mailer: mailer, Logger: discardLogger()})
	if err := wf.Run(context.Background(), Report{CallSID: "CA6", Reason: types.ReasonCompleted}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(mailer.sent) != 0 {
		t.Fatalf("emails=%d, want 0", len(mailer.sent))
	}
}

func TestRun_RequiresCallSID(t *testing.T) {
	wf := New(Dependencies{Logger: discardLogger()})
	if err := wf.Run(context.Background(), Report{}); err == nil {
		t.Fatalf("expected error for missing call sid")
	}
}

func TestTriggerAndWait(t *testing.T) {
	st := newFakeStore()
	wf := New(Dependencies{Store: st, Logger: discardLogger()})
	wf.Trigger(Report{CallSID: "CA7", Reason: types.ReasonAIDisconnected})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !wf.Wait(ctx) {
		t.Fatalf("Wait timed out")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if res, ok := st.results["CA7"]; !ok || res.Reason != types.ReasonAIDisconnected {
		t.Fatalf("result=%+v ok=%v", res, ok)
	}
}

func TestTriggerAfter_RunsUnlessSkipped(t *testing.T) {
	st := newFakeStore()
	wf := New(Dependencies{Store: st, Logger: discardLogger()})

	wf.TriggerAfter(Report{CallSID: "CA11", Reason: types.ReasonCompleted}, 10*time.Millisecond, func() bool { return true })
	wf.TriggerAfter(Report{CallSID: "CA12", Reason: types.ReasonCompleted}, 10*time.Millisecond, func() bool { return false })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !wf.Wait(ctx) {
		t.Fatalf("Wait timed out")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.results["CA11"]; ok {
		t.Fatalf("skipped report produced a result")
	}
	if res, ok := st.results["CA12"]; !ok || !res.CallCompleted {
		t.Fatalf("result=%+v ok=%v", res, ok)
	}
}

func TestNilWorkflowIsInert(t *testing.T) {
	var wf *Workflow
	wf.Trigger(Report{CallSID: "CA8"})
	wf.TriggerAfter(Report{CallSID: "CA8"}, time.Hour, nil)
	if !wf.Wait(context.Background()) {
		t.Fatalf("nil workflow Wait should return true")
	}
}

func TestFormatTranscript(t *testing.T) {
	got := FormatTranscript([]types.TranscriptEntry{
		{Role: types.RoleCaller, Text: "Hello"},
		{Role: types.RoleAgent, Text: "Hi"},
	})
	if got != "Insurance Rep: Hello\nAgent: Hi" {
		t.Fatalf("got %q", got)
	}
	if FormatTranscript(nil) != "" {
		t.Fatalf("empty transcript should format to empty string")
	}
}
