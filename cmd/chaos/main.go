// cmd/chaos/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"foodrescue/internal/chaos"
	"foodrescue/internal/config"
	"foodrescue/internal/logger"
	"foodrescue/internal/telemetry"

	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log, closer, err := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	code := run(cfg, log)
	closer.Close()
	os.Exit(code)
}

func run(cfg *config.Config, log *logrus.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, cfg.ServiceName+"-chaos", cfg.OTLPEndpoint)
	if err != nil {
		log.WithError(err).Error("failed to set up tracing")
		return 1
	}
	defer shutdown(context.Background())

	rig := chaos.NewRig(log)
	rig.Start()
	defer rig.Close()

	engine := chaos.NewEngine(rig, log)
	engine.RegisterExperiments()

	held, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "Weekly Chaos Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
	})
	if err != nil {
		log.WithError(err).Error("chaos game day interrupted")
		return 1
	}
	if !held {
		log.Error("chaos game day finished with violated hypotheses")
		return 1
	}
	log.Info("chaos game day passed")
	return 0
}
