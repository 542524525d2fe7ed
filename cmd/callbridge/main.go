package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vango-go/callbridge/internal/dotenv"
	"github.com/vango-go/callbridge/pkg/gateway/config"
	"github.com/vango-go/callbridge/pkg/gateway/live/realtime"
	"github.com/vango-go/callbridge/pkg/gateway/live/session"
	"github.com/vango-go/callbridge/pkg/gateway/postcall"
	gatewayserver "github.com/vango-go/callbridge/pkg/gateway/server"
	"github.com/vango-go/callbridge/pkg/gateway/store"
	"github.com/vango-go/callbridge/pkg/gateway/telephony"
)

const storeOpenTimeout = 10 * time.Second

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	newGateway   func(context.Context, config.Config, *slog.Logger) (*gatewayserver.Server, func(), error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig: config.LoadFromEnv,
		newGateway: newGateway,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// newGateway wires the production dependencies. The returned cleanup closes
// the store once post-call work has drained.
func newGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gatewayserver.Server, func(), error) {
	openCtx, cancel := context.WithTimeout(ctx, storeOpenTimeout)
	defer cancel()
	rs, err := store.Open(openCtx, cfg.RedisURL, cfg.StoreTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	cleanup := func() {
		if err := rs.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}

	deps := gatewayserver.Dependencies{Store: rs}

	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" && cfg.BaseURL != "" {
		tw, err := telephony.NewTwilio(telephony.Config{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioPhoneNumber,
			BaseURL:    cfg.BaseURL,
			Timeout:    cfg.ControlTimeout,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("telephony: %w", err)
		}
		deps.Telephony = tw
	} else {
		logger.Warn("telephony not configured; calls cannot be placed or controlled")
	}

	dialCfg := realtime.DialConfig{
		URL:              cfg.RealtimeURL,
		APIKey:           cfg.OpenAIAPIKey,
		HandshakeTimeout: cfg.RealtimeHandshakeTimeout,
	}
	deps.DialAI = func(ctx context.Context) (session.Conn, error) {
		conn, err := realtime.Dial(ctx, dialCfg)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	summarizer, err := buildSummarizer(ctx, cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	pcDeps := postcall.Dependencies{
		Store:  rs,
		Logger: logger,
		Config: postcall.Config{
			Recipients: cfg.EmailTo,
			Timeout:    cfg.PostCallTimeout,
		},
	}
	if summarizer != nil {
		pcDeps.Summarizer = summarizer
	}
	if cfg.SendGridAPIKey != "" {
		mailer, err := postcall.NewSendGridMailer(cfg.SendGridAPIKey, cfg.EmailFrom)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("mailer: %w", err)
		}
		pcDeps.Mailer = mailer
	}
	deps.PostCall = postcall.New(pcDeps)

	return gatewayserver.New(cfg, logger, deps), cleanup, nil
}

func buildSummarizer(ctx context.Context, cfg config.Config) (postcall.Summarizer, error) {
	switch cfg.SummaryProvider {
	case config.SummaryProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, nil
		}
		return postcall.NewOpenAISummarizer(cfg.OpenAIAPIKey, cfg.SummaryModel), nil
	case config.SummaryProviderGemini:
		s, err := postcall.NewGeminiSummarizer(ctx, postcall.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.SummaryModel,
		})
		if err != nil {
			return nil, fmt.Errorf("summarizer: %w", err)
		}
		return s, nil
	default:
		return nil, nil
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runBridge(ctx context.Context, logger *slog.Logger, deps bridgeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, issue := range cfg.Issues() {
		logger.Warn("configuration incomplete", "issue", issue)
	}

	gw, cleanup, err := deps.newGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting call bridge",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"signature_checks", cfg.ValidateTwilioSignature,
		"summary_provider", cfg.SummaryProvider,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	if active := gw.ActiveCalls(); len(active) > 0 {
		logger.Info("waiting for active calls", "count", len(active), "call_sids", active)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitCallSessions(waitCtx) {
		logger.Warn("grace period elapsed; canceling active calls", "call_sids", gw.ActiveCalls())
		gw.CancelCallSessions()
	}

	postCtx, postCancel := context.WithTimeout(context.Background(), cfg.PostCallTimeout)
	defer postCancel()
	if !gw.WaitPostCall(postCtx) {
		logger.Warn("post-call workflows still running at exit")
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("call bridge stopped")
	return nil
}

func newLogger(w io.Writer, format string) *slog.Logger {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(w, nil))
	}
	return slog.New(slog.NewTextHandler(w, nil))
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}
	logger := newLogger(stderr, os.Getenv("CALLBRIDGE_LOG_FORMAT"))

	if err := runBridge(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
