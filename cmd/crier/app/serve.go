package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crier-bot/crier/pkg/logger"
	"github.com/crier-bot/crier/pkg/scheduler"
	"github.com/crier-bot/crier/pkg/secrets"
	"github.com/crier-bot/crier/pkg/server"
	"github.com/crier-bot/crier/pkg/versions"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the webhook server",
	Long: `Serve starts the full service: scheduled providers run on their cron
expressions, push providers are reachable over the webhook endpoints,
and tracked secrets are re-checked for rotation.`,
	RunE: serveCmdFunc,
}

func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(rt.cfg.Providers, rt.engine.RunProvider)
	if err != nil {
		return err
	}

	detector, err := startRotationDetector(rt)
	if err != nil {
		return err
	}
	if detector != nil {
		defer detector.Stop()
	}

	srv := server.New(rt.cfg, rt.engine, rt.tele, server.Options{
		Version: versions.GetVersionInfo().Version,
		Resolver: func(ctx context.Context, ref string) (string, error) {
			return resolveValue(ctx, rt.manager, ref)
		},
	})

	sched.Start()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("webhook server shutdown failed", "error", err)
	}
	sched.Stop(shutdownCtx)
	if err := rt.tele.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("telemetry shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// startRotationDetector tracks every resolvable credential reference and
// rebinds affected accounts when a rotation is observed. Returns nil when
// no rotation schedule is configured.
func startRotationDetector(rt *appRuntime) (*secrets.RotationDetector, error) {
	schedule := rt.cfg.Secrets.RotationSchedule
	if schedule == "" {
		return nil, nil
	}

	detector := secrets.NewRotationDetector(rt.manager)
	for _, account := range rt.hub.Accounts() {
		if account.TokenRef != "" && rt.manager.CanResolve(account.TokenRef) {
			detector.Track(account.TokenRef)
		}
		if account.PasswordRef != "" && rt.manager.CanResolve(account.PasswordRef) {
			detector.Track(account.PasswordRef)
		}
	}

	detector.OnRotation(func(ctx context.Context, event secrets.RotationEvent) {
		affected := rt.hub.RebindSecret(event.Ref, event.Result.Value)
		if !rt.cfg.Secrets.VerifyOnRotation {
			return
		}
		for _, account := range affected {
			if _, err := rt.hub.VerifyCredentials(ctx, account.Name); err != nil {
				logger.Errorw("credential verification after rotation failed",
					"account", account.Name, "error", err)
			}
		}
	})

	if err := detector.Start(schedule); err != nil {
		return nil, err
	}
	return detector, nil
}
