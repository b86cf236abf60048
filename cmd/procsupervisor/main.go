// Command procsupervisor runs the POSIX process supervisor described in
// SPEC_FULL.md: a single control-channel event loop that spawns, reaps,
// and forwards output for child processes on a client's behalf.
package main

import (
	"context"
	"os"

	"github.com/edirooss/procsupervisor/internal/config"
	"github.com/edirooss/procsupervisor/internal/logging"
	"github.com/edirooss/procsupervisor/internal/supervisor"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		// No logger yet; this is a pre-flight configuration error.
		os.Stderr.WriteString("procsupervisor: " + err.Error() + "\n")
		os.Exit(2)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("procsupervisor: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer log.Sync()
	log = log.Named("main")

	log.Info("starting",
		zap.String("socket_path", cfg.SocketPath),
		zap.Int("inherited_fd", cfg.InheritedFD),
		zap.Duration("grace_period", cfg.GracePeriod),
		zap.Bool("audit_enabled", cfg.RedisAddr != ""),
	)

	sup := supervisor.New(log, cfg)
	if err := sup.Run(context.Background()); err != nil {
		log.Error("exited with error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("exited cleanly")
}
