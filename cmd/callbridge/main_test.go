package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/vango-go/callbridge/pkg/gateway/config"
	gatewayserver "github.com/vango-go/callbridge/pkg/gateway/server"
)

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, bridgeDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newGateway: func(context.Context, config.Config, *slog.Logger) (*gatewayserver.Server, func(), error) {
			t.Fatalf("newGateway should not be called when config load fails")
			return nil, nil, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); got == "" {
		t.Fatalf("expected stderr output for startup error")
	}
}

func TestRunMain_ReturnsNonZeroWhenGatewayBuildFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, bridgeDeps{
		loadConfig: func() (config.Config, error) { return config.Config{}, nil },
		newGateway: func(context.Context, config.Config, *slog.Logger) (*gatewayserver.Server, func(), error) {
			return nil, nil, errors.New("open store: connection refused")
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})
	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if !bytes.Contains(stderr.Bytes(), []byte("connection refused")) {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       3 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != cfg.ReadTimeout {
		t.Fatalf("ReadTimeout=%v, want %v", srv.ReadTimeout, cfg.ReadTimeout)
	}
}

func TestRunBridge_SignalDrainsAndRunsCleanup(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cleaned := make(chan struct{})
	sigReady := make(chan chan<- os.Signal, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runBridge(context.Background(), logger, bridgeDeps{
			loadConfig: func() (config.Config, error) {
				return config.Config{
					Addr:                "127.0.0.1:0",
					AuthMode:            config.AuthModeDisabled,
					ReadHeaderTimeout:   time.Second,
					ReadTimeout:         time.Second,
					ShutdownGracePeriod: time.Second,
					PostCallTimeout:     time.Second,
				}, nil
			},
			newGateway: func(_ context.Context, cfg config.Config, logger *slog.Logger) (*gatewayserver.Server, func(), error) {
				return gatewayserver.New(cfg, logger, gatewayserver.Dependencies{}), func() { close(cleaned) }, nil
			},
			signalNotify: func(c chan<- os.Signal, sig ...os.Signal) { sigReady <- c },
			signalStop:   func(c chan<- os.Signal) {},
		})
	}()

	select {
	case c := <-sigReady:
		c <- syscall.SIGTERM
	case <-time.After(3 * time.Second):
		t.Fatalf("signal handler never installed")
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("runBridge error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runBridge did not return after signal")
	}

	select {
	case <-cleaned:
	default:
		t.Fatalf("cleanup was not run")
	}
}

func TestGatewayHandlerStack_Smoke(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := gatewayserver.New(config.Config{
		AuthMode:          config.AuthModeDisabled,
		APIKeys:           map[string]struct{}{},
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       time.Second,
	}, logger, gatewayserver.Dependencies{})

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestBuildSummarizer_NoneAndMissingKey(t *testing.T) {
	t.Parallel()

	s, err := buildSummarizer(context.Background(), config.Config{SummaryProvider: config.SummaryProviderNone})
	if err != nil || s != nil {
		t.Fatalf("none: s=%v err=%v", s, err)
	}
	s, err = buildSummarizer(context.Background(), config.Config{SummaryProvider: config.SummaryProviderOpenAI})
	if err != nil || s != nil {
		t.Fatalf("openai without key: s=%v err=%v", s, err)
	}
	if _, err := buildSummarizer(context.Background(), config.Config{SummaryProvider: config.SummaryProviderGemini}); err == nil {
		t.Fatalf("gemini without key should fail")
	}
	s, err = buildSummarizer(context.Background(), config.Config{SummaryProvider: config.SummaryProviderOpenAI, OpenAIAPIKey: "sk-test"})
	if err != nil || s == nil {
		t.Fatalf("openai: s=%v err=%v", s, err)
	}
}

func TestNewLogger_Format(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	newLogger(&buf, "JSON").Info("call placed", "call_sid", "CA1")
	if !bytes.HasPrefix(buf.Bytes(), []byte("{")) || !bytes.Contains(buf.Bytes(), []byte(`"call_sid":"CA1"`)) {
		t.Fatalf("json output=%q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, "").Info("call placed", "call_sid", "CA1")
	if !bytes.Contains(buf.Bytes(), []byte("call_sid=CA1")) {
		t.Fatalf("text output=%q", buf.String())
	}
}
