// Package telephony controls live calls on the telephony platform (Twilio REST).
package telephony

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

const (
	OutgoingCallPath = "/api/outgoing-call"
	CallStatusPath   = "/api/call-status"
	MediaStreamPath  = "/api/media-stream"
)

// StatusCallbackEvents are the call progress events the platform reports back.
var StatusCallbackEvents = []string{"completed", "busy", "failed", "no-answer", "canceled"}

var validDigits = regexp.MustCompile(`^[0-9*#wW]+$`)

type callsAPI interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// BaseURL is the public https origin the platform uses to reach this service.
	BaseURL string
	Timeout time.Duration
}

type Twilio struct {
	calls   callsAPI
	from    string
	baseURL *url.URL
}

func NewTwilio(cfg Config) (*Twilio, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, fmt.Errorf("twilio account sid and auth token are required")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: strings.TrimSpace(cfg.AccountSID),
		Password: strings.TrimSpace(cfg.AuthToken),
	})
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return newTwilio(client.Api, cfg)
}

func newTwilio(calls callsAPI, cfg Config) (*Twilio, error) {
	base, err := ParseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	return &Twilio{
		calls:   calls,
		from:    strings.TrimSpace(cfg.FromNumber),
		baseURL: base,
	}, nil
}

// ParseBaseURL accepts "https://host", "http://host" or a bare host.
func ParseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base url %q has no host", raw)
	}
	return u, nil
}

func (t *Twilio) webhookURL(path string) string {
	return t.baseURL.Scheme + "://" + t.baseURL.Host + path
}

// StreamURL is the websocket address the platform dials for media.
func (t *Twilio) StreamURL() string {
	scheme := "wss"
	if t.baseURL.Scheme == "http" {
		scheme = "ws"
	}
	return scheme + "://" + t.baseURL.Host + MediaStreamPath
}

// StartCall places an outbound call that connects to the media stream once answered.
func (t *Twilio) StartCall(ctx context.Context, to string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", fmt.Errorf("destination number is required")
	}
	params := &openapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(t.from)
	params.SetUrl(t.webhookURL(OutgoingCallPath))
	params.SetStatusCallback(t.webhookURL(CallStatusPath))
	params.SetStatusCallbackEvent(StatusCallbackEvents)
	params.SetStatusCallbackMethod("POST")
	params.SetRecord(true)

	var sid string
	err := withContext(ctx, func() error {
		call, err := t.calls.CreateCall(params)
		if err != nil {
			return err
		}
		if call == nil || call.Sid == nil || *call.Sid == "" {
			return fmt.Errorf("create call returned no sid")
		}
		sid = *call.Sid
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("start call to %s: %w", to, err)
	}
	return sid, nil
}

// EndCall hangs up the call.
func (t *Twilio) EndCall(ctx context.Context, callSID string) error {
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	if err := t.update(ctx, callSID, params); err != nil {
		return fmt.Errorf("end call %s: %w", callSID, err)
	}
	return nil
}

// InjectDigit plays touch-tones into the call and redirects it back to the
// stream TwiML, which opens a new media-stream leg for the same call.
func (t *Twilio) InjectDigit(ctx context.Context, callSID, digit string) error {
	if !validDigits.MatchString(digit) {
		return fmt.Errorf("invalid dtmf digits %q", digit)
	}
	twiml, err := PlayDigitsTwiML(digit, t.webhookURL(OutgoingCallPath))
	if err != nil {
		return err
	}
	params := &openapi.UpdateCallParams{}
	params.SetTwiml(twiml)
	if err := t.update(ctx, callSID, params); err != nil {
		return fmt.Errorf("inject digit %s into %s: %w", digit, callSID, err)
	}
	return nil
}

func (t *Twilio) update(ctx context.Context, callSID string, params *openapi.UpdateCallParams) error {
	if strings.TrimSpace(callSID) == "" {
		return fmt.Errorf("call sid is required")
	}
	return withContext(ctx, func() error {
		_, err := t.calls.UpdateCall(callSID, params)
		return err
	})
}

// withContext runs fn and returns early if ctx ends first. The REST client has
// no context support; its own timeout bounds the abandoned request.
func withContext(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
