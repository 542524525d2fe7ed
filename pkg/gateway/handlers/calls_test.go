package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/callbridge/pkg/core/types"
	"github.com/vango-go/callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/callbridge/pkg/gateway/live/sessions"
	"github.com/vango-go/callbridge/pkg/gateway/postcall"
	"github.com/vango-go/callbridge/pkg/gateway/store"
)

type fakePlacer struct {
	sid   string
	err   error
	calls []string
}

func (f *fakePlacer) StartCall(_ context.Context, to string) (string, error) {
	f.calls = append(f.calls, to)
	return f.sid, f.err
}

type fakeCallStore struct {
	mu       sync.Mutex
	contexts map[string]types.CallContext
	results  map[string]types.CallResult
	putErr   error
	takeErr  error
}

func newFakeCallStore() *fakeCallStore {
	return &fakeCallStore{contexts: map[string]types.CallContext{}, results: map[string]types.CallResult{}}
}

func (f *fakeCallStore) PutContext(_ context.Context, callSID string, cc types.CallContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.contexts[callSID] = cc
	return nil
}

func (f *fakeCallStore) TakeResult(_ context.Context, callSID string) (*types.CallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.takeErr != nil {
		return nil, f.takeErr
	}
	res, ok := f.results[callSID]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(f.results, callSID)
	return &res, nil
}

type fakeTrigger struct {
	reports []postcall.Report
	delayed []delayedReport
}

type delayedReport struct {
	report postcall.Report
	delay  time.Duration
	skip   func() bool
}

func (f *fakeTrigger) Trigger(r postcall.Report) { f.reports = append(f.reports, r) }

func (f *fakeTrigger) TriggerAfter(r postcall.Report, delay time.Duration, skip func() bool) {
	f.delayed = append(f.delayed, delayedReport{report: r, delay: delay, skip: skip})
}

type activeSet map[string]bool

func (a activeSet) Active(callSID string) bool { return a[callSID] }

func TestStartCall_PlacesCallAndStoresContext(t *testing.T) {
	placer := &fakePlacer{sid: "CA123"}
	st := newFakeCallStore()
	h := StartCallHandler{Telephony: placer, Store: st}

	body := `{"to":"+15551234567","customerName":"Jane Doe","vehicle":"Sedan - 40k","rentalDays":3,"companyEmail":"ops@example.com"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/start-call", strings.NewReader(body)))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp startCallResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.CallID != "CA123_callresult" || !resp.Success {
		t.Fatalf("resp=%+v", resp)
	}
	if len(placer.calls) != 1 || placer.calls[0] != "+15551234567" {
		t.Fatalf("calls=%v", placer.calls)
	}
	cc, ok := st.contexts["CA123"]
	if !ok {
		t.Fatalf("context not stored")
	}
	if cc.CustomerName != "Jane Doe" || cc.VehicleName != "Sedan - 40k" || cc.RentalDays != "3" || cc.CompanyEmail != "ops@example.com" {
		t.Fatalf("context=%+v", cc)
	}
}

func TestStartCall_RequiresDestination(t *testing.T) {
	placer := &fakePlacer{sid: "CA123"}
	h := StartCallHandler{Telephony: placer, Store: newFakeCallStore()}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/start-call", strings.NewReader(`{"customerName":"Jane"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"param":"to"`) {
		t.Fatalf("body=%q", rr.Body.String())
	}
	if len(placer.calls) != 0 {
		t.Fatalf("call placed without destination")
	}
}

func TestStartCall_RejectsInvalidJSON(t *testing.T) {
	h := StartCallHandler{Telephony: &fakePlacer{sid: "CA1"}, Store: newFakeCallStore()}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/start-call", strings.NewReader(`[1,2]`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestStartCall_TelephonyFailureIs502(t *testing.T) {
	st := newFakeCallStore()
	h := StartCallHandler{Telephony: &fakePlacer{err: errors.New("21211 invalid number")}, Store: st}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/start-call", strings.NewReader(`{"to":"+1"}`)))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if len(st.contexts) != 0 {
		t.Fatalf("context stored for failed call")
	}
}

func TestStartCall_RejectsWhileDraining(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	placer := &fakePlacer{sid: "CA1"}
	h := StartCallHandler{Telephony: placer, Store: newFakeCallStore(), Lifecycle: lc}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/start-call", strings.NewReader(`{"to":"+1"}`)))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rr.Code)
	}
	if len(placer.calls) != 0 {
		t.Fatalf("call placed while draining")
	}
}

func TestStartCall_MethodNotAllowed(t *testing.T) {
	h := StartCallHandler{}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/start-call", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestOutgoingCall_ReturnsStreamTwiML(t *testing.T) {
	h := OutgoingCallHandler{StreamURL: "wss://calls.example.com/api/media-stream"}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/outgoing-call", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Fatalf("content-type=%q", ct)
	}
	body := rr.Body.String()
	for _, want := range []string{"<Response>", "<Connect>", `url="wss://calls.example.com/api/media-stream"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("body=%q, missing %s", body, want)
		}
	}
}

func TestOutgoingCall_DerivesStreamURLFromHost(t *testing.T) {
	h := OutgoingCallHandler{}
	req := httptest.NewRequest(http.MethodGet, "/api/outgoing-call", nil)
	req.Host = "bridge.example.org"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if !strings.Contains(rr.Body.String(), `url="wss://bridge.example.org/api/media-stream"`) {
		t.Fatalf("body=%q", rr.Body.String())
	}
}

func statusForm(sid, status string) *http.Request {
	form := url.Values{"CallSid": {sid}, "CallStatus": {status}, "CallDuration": {"0"}}
	req := httptest.NewRequest(http.MethodPost, "/api/call-status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestCallStatus_UnansweredTriggersPostCall(t *testing.T) {
	for _, status := range []string{"busy", "failed", "no-answer", "canceled"} {
		trigger := &fakeTrigger{}
		h := CallStatusHandler{PostCall: trigger}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, statusForm("CA9", status))

		if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"status":"received"`) {
			t.Fatalf("%s: status=%d body=%q", status, rr.Code, rr.Body.String())
		}
		if len(trigger.reports) != 1 {
			t.Fatalf("%s: reports=%d, want 1", status, len(trigger.reports))
		}
		if trigger.reports[0].CallSID != "CA9" || trigger.reports[0].Reason != status {
			t.Fatalf("%s: report=%+v", status, trigger.reports[0])
		}
	}
}

func TestCallStatus_ProgressIsIgnored(t *testing.T) {
	for _, status := range []string{"ringing", "in-progress", "answered"} {
		trigger := &fakeTrigger{}
		h := CallStatusHandler{PostCall: trigger}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, statusForm("CA9", status))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status=%d", status, rr.Code)
		}
		if len(trigger.reports) != 0 || len(trigger.delayed) != 0 {
			t.Fatalf("%s: unexpected post-call trigger", status)
		}
	}
}

func TestCallStatus_CompletedSchedulesFallbackReport(t *testing.T) {
	trigger := &fakeTrigger{}
	active := activeSet{"CA9": true}
	h := CallStatusHandler{PostCall: trigger, Calls: active, CompletedDelay: 10 * time.Second}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, statusForm("CA9", "completed"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if len(trigger.reports) != 0 {
		t.Fatalf("completed triggered immediately: %+v", trigger.reports)
	}
	if len(trigger.delayed) != 1 {
		t.Fatalf("delayed=%d, want 1", len(trigger.delayed))
	}
	d := trigger.delayed[0]
	if d.report.CallSID != "CA9" || d.report.Reason != types.ReasonCompleted || d.delay != 10*time.Second {
		t.Fatalf("delayed report=%+v delay=%v", d.report, d.delay)
	}

	// A live media session owns the report.
	if !d.skip() {
		t.Fatalf("skip=false while the call is still bridged")
	}
	// The session ended during a touch-tone handoff and no new leg arrived.
	delete(active, "CA9")
	if d.skip() {
		t.Fatalf("skip=true after the media session ended")
	}
}

func TestCallStatus_CompletedWithoutTrackerStillReports(t *testing.T) {
	trigger := &fakeTrigger{}
	h := CallStatusHandler{PostCall: trigger}
	h.ServeHTTP(httptest.NewRecorder(), statusForm("CA9", "completed"))
	if len(trigger.delayed) != 1 || trigger.delayed[0].skip() {
		t.Fatalf("delayed=%+v", trigger.delayed)
	}
}

type reportStore struct {
	mu      sync.Mutex
	claims  map[string]bool
	results map[string]types.CallResult
}

func (s *reportStore) GetContext(context.Context, string) (*types.CallContext, error) {
	return &types.CallContext{CustomerName: "Jane"}, nil
}
func (s *reportStore) Transcript(context.Context, string) ([]types.TranscriptEntry, error) {
	return []types.TranscriptEntry{{Role: types.RoleAgent, Text: "Press 3 to reach claims."}}, nil
}
func (s *reportStore) SaveResult(_ context.Context, callSID string, res types.CallResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[callSID] = res
	return nil
}
func (s *reportStore) DeleteContext(context.Context, string) error    { return nil }
func (s *reportStore) DeleteTranscript(context.Context, string) error { return nil }
func (s *reportStore) ClaimReport(_ context.Context, callSID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims[callSID] {
		return false, nil
	}
	s.claims[callSID] = true
	return true, nil
}
func (s *reportStore) ReleaseReport(_ context.Context, callSID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, callSID)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingMailer struct {
	mu   sync.Mutex
	sent []postcall.Email
}

func (m *countingMailer) Send(_ context.Context, msg postcall.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *countingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func TestCallStatus_HangupAfterHandoffReportsOnce(t *testing.T) {
	st := &reportStore{claims: map[string]bool{}, results: map[string]types.CallResult{}}
	mailer := &countingMailer{}
	wf := postcall.New(postcall.Dependencies{
		Store:  st,
		Mailer: mailer,
		Logger: discardLogger(),
		Config: postcall.Config{Recipients: []string{"ops@example.com"}, Timeout: time.Second},
	})
	tracker := sessions.NewTracker()
	h := CallStatusHandler{PostCall: wf, Calls: tracker, CompletedDelay: 10 * time.Millisecond, Logger: discardLogger()}
	wait := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if !wf.Wait(ctx) {
			t.Fatalf("post-call workflow did not finish")
		}
	}

	// While the media session is bridging, it owns the report.
	unregister := tracker.Register("sess-1", sessions.Handle{Cancel: func() {}, CallSID: func() string { return "CA7" }})
	h.ServeHTTP(httptest.NewRecorder(), statusForm("CA7", "completed"))
	wait()
	if mailer.count() != 0 {
		t.Fatalf("emails=%d while the session was active", mailer.count())
	}

	// The session ended for a touch-tone handoff; the caller then hung up.
	unregister()
	h.ServeHTTP(httptest.NewRecorder(), statusForm("CA7", "completed"))
	wait()
	if mailer.count() != 1 {
		t.Fatalf("emails=%d, want 1 after hangup", mailer.count())
	}
	st.mu.Lock()
	res, ok := st.results["CA7"]
	st.mu.Unlock()
	if !ok || res.Reason != types.ReasonCompleted {
		t.Fatalf("result=%+v ok=%v", res, ok)
	}

	// Twilio retries the callback.
	h.ServeHTTP(httptest.NewRecorder(), statusForm("CA7", "completed"))
	wait()
	if mailer.count() != 1 {
		t.Fatalf("emails=%d, want the retry deduplicated", mailer.count())
	}
}

func TestGetResponse_ReturnsAndConsumesResult(t *testing.T) {
	st := newFakeCallStore()
	summary := "Coverage confirmed."
	st.results["CA5"] = types.CallResult{
		CallCompleted: true,
		Reason:        types.ReasonCompleted,
		Summary:       &summary,
		Transcript: []types.TranscriptEntry{
			{Role: types.RoleAgent, Text: "Hello, this is Susan."},
			{Role: types.RoleCaller, Text: "  "},
			{Role: types.RoleCaller, Text: "Hi Susan."},
		},
	}
	h := GetResponseHandler{Store: st}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/get-response?callId=CA5_callresult", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var got getResponseBody
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.CallCompleted || got.Success == nil || *got.Success != "completed" {
		t.Fatalf("got=%+v", got)
	}
	if got.CallSummary == nil || *got.CallSummary != summary {
		t.Fatalf("summary=%v", got.CallSummary)
	}
	want := "agent: Hello, this is Susan.\ncaller: Hi Susan."
	if got.Transcription == nil || *got.Transcription != want {
		t.Fatalf("transcription=%v, want %q", got.Transcription, want)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/get-response?callId=CA5", nil))
	if !strings.Contains(rr.Body.String(), `"callCompleted":false`) {
		t.Fatalf("second read body=%q", rr.Body.String())
	}
}

func TestGetResponse_MissingResultIsNotCompleted(t *testing.T) {
	h := GetResponseHandler{Store: newFakeCallStore()}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/get-response?callId=CA404", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var raw map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["callCompleted"] != false || raw["callSummary"] != nil || raw["transcription"] != nil {
		t.Fatalf("body=%v", raw)
	}
}

func TestGetResponse_RequiresCallID(t *testing.T) {
	h := GetResponseHandler{Store: newFakeCallStore()}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/get-response", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestGetResponse_StoreFailureIs500(t *testing.T) {
	st := newFakeCallStore()
	st.takeErr = errors.New("redis down")
	h := GetResponseHandler{Store: st}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/get-response?callId=CA1", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rr.Code)
	}
}
