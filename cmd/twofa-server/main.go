// Command twofa-server serves the two-factor verification routes and the
// session gate over HTTP.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrEthical07/twofa"
	"github.com/MrEthical07/twofa/httpapi"
	"github.com/MrEthical07/twofa/internal/bootstrap"
	"github.com/MrEthical07/twofa/internal/logging"
	"github.com/MrEthical07/twofa/internal/settings"
	"github.com/MrEthical07/twofa/metrics/export/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		envFile  string
		seedFile string
	)
	cmd := &cobra.Command{
		Use:          "twofa-server",
		Short:        "Serve two-factor verification and session gating",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, envFile, seedFile)
		},
	}
	cmd.Flags().StringVar(&envFile, "env", ".env", "dotenv file read before the environment")
	cmd.Flags().StringVar(&seedFile, "seed", "", "JSON file of identities loaded into the in-memory store")
	return cmd
}

func run(ctx context.Context, envFile, seedFile string) error {
	proc, err := settings.Load(envFile)
	if err != nil {
		return err
	}
	logger, logCloser, err := logging.New(proc.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	defer func() { _ = logger.Sync() }()

	rt, err := bootstrap.Open(ctx, proc, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer rt.Close()

	if seedFile != "" {
		if err := seed(rt, seedFile); err != nil {
			logger.Error("seed failed", zap.String("file", seedFile), zap.Error(err))
			return err
		}
	}

	exporter, err := prometheus.NewPrometheusExporter(rt.Engine)
	if err != nil {
		return err
	}
	app, err := httpapi.New(httpapi.Config{
		Engine:         rt.Engine,
		Tokens:         rt.Tokens,
		Logger:         logger.Named("http"),
		MetricsHandler: exporter.Handler(),
	})
	if err != nil {
		return err
	}

	go scanAttacks(ctx, rt.Engine, proc.AttackScanInterval, logger.Named("threats"))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", proc.ServerAddr))
		errCh <- app.Listen(proc.ServerAddr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return app.ShutdownWithContext(shutdownCtx)
}

// scanAttacks runs coordinated attack detection until ctx ends. The engine
// raises the admin alert; this loop only logs what it found.
func scanAttacks(ctx context.Context, engine *twofa.Engine, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		threats, err := engine.DetectCoordinatedAttacks(ctx)
		if err != nil {
			logger.Warn("attack scan failed", zap.Error(err))
			continue
		}
		for _, th := range threats {
			logger.Warn("coordinated attack suspected",
				zap.String("ip", th.IP),
				zap.Int("identities", th.Identities),
				zap.Int("attempts", th.Attempts),
				zap.Time("first_seen", th.FirstSeen),
				zap.Time("last_seen", th.LastSeen),
			)
		}
	}
}

type seedIdentity struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	DisplayName  string `json:"display_name"`
	Role         string `json:"role"`
	PasswordHash string `json:"password_hash"`
	PhoneNumber  string `json:"phone_number"`
}

func seed(rt *bootstrap.Runtime, path string) error {
	if rt.Memory == nil {
		return fmt.Errorf("--seed only applies to the in-memory store")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var ids []seedIdentity
	if err := json.Unmarshal(raw, &ids); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	for _, s := range ids {
		if s.ID == "" {
			return fmt.Errorf("identity without id in %s", path)
		}
		rt.Memory.Put(twofa.Identity{
			ID:           s.ID,
			Email:        s.Email,
			DisplayName:  s.DisplayName,
			Role:         s.Role,
			PasswordHash: s.PasswordHash,
			PhoneNumber:  s.PhoneNumber,
		})
	}
	return nil
}
