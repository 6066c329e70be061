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
	"syscall"

	"github.com/joho/godotenv"

	"github.com/essexlabs/avery-bridge/pkg/bridge/borrowers"
	"github.com/essexlabs/avery-bridge/pkg/bridge/calls"
	"github.com/essexlabs/avery-bridge/pkg/bridge/config"
	"github.com/essexlabs/avery-bridge/pkg/bridge/convo"
	"github.com/essexlabs/avery-bridge/pkg/bridge/paydecision"
	"github.com/essexlabs/avery-bridge/pkg/bridge/server"
	"github.com/essexlabs/avery-bridge/pkg/bridge/twilio"
)

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig: config.LoadFromEnv,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func buildServer(ctx context.Context, cfg config.Config, logger *slog.Logger) (*server.Server, *calls.Tracker, error) {
	tracker := calls.NewTracker()
	deps := server.Dependencies{
		Logger:   logger,
		NewAgent: server.NewAgentFactory(cfg, logger),
		Sessions: convo.NewStore(),
		Tracker:  tracker,
		Registry: calls.NewRegistry(),
	}

	if cfg.DatabaseURL != "" {
		if cfg.RunMigrations {
			if err := borrowers.Migrate(ctx, cfg.DatabaseURL); err != nil {
				return nil, nil, fmt.Errorf("run migrations: %w", err)
			}
			logger.Info("database migrations applied")
		}
		store, err := borrowers.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect borrower store: %w", err)
		}
		deps.Borrowers = store
		if cfg.PassiveAgent {
			deps.Machine = convo.NewMachine(deps.Sessions, store, logger)
		}
	}

	if cfg.DialingEnabled() {
		deps.Dialer = &twilio.Dialer{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioFromNumber,
			ServerURL:  cfg.ServerURL,
			APIBaseURL: cfg.TwilioAPIBaseURL,
		}
	}

	if cfg.PaymentMatrix != "" {
		var suggester paydecision.Suggester
		if cfg.GeminiAPIKey != "" {
			s, err := paydecision.NewGenAISuggester(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
			if err != nil {
				return nil, nil, fmt.Errorf("gemini suggester: %w", err)
			}
			suggester = s
		}
		payments, err := paydecision.LoadWorkbook(cfg.PaymentMatrix, suggester)
		if err != nil {
			return nil, nil, fmt.Errorf("load payment matrix: %w", err)
		}
		deps.Payments = payments
	}

	srv, err := server.New(cfg, deps)
	if err != nil {
		return nil, nil, err
	}
	return srv, tracker, nil
}

func runBridge(ctx context.Context, logger *slog.Logger, deps bridgeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
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

	srv, tracker, err := buildServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting bridge",
		"addr", cfg.Addr,
		"passive", cfg.PassiveAgent,
		"language", cfg.DefaultLanguage,
		"dialing", cfg.DialingEnabled())

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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	// Live calls keep running through Shutdown; hang up whatever is left and
	// wait for the pumps to drain.
	tracker.CancelAll()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !tracker.Wait(waitCtx) {
		logger.Warn("live calls did not drain before deadline", "remaining", tracker.Count())
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("bridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "avery-bridge: %v\n", err)
		return 1
	}

	if err := runBridge(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "avery-bridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
