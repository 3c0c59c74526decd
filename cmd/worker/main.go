package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/nbblackbox/gradepipe/internal/app"
	"github.com/nbblackbox/gradepipe/internal/engine"
	"github.com/nbblackbox/gradepipe/internal/worker"
)

func main() {
	var configPath = flag.String("config", "config.toml", "Path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		logger.Debug.Printf("No .env file loaded: %v", err)
	}

	service, err := app.NewService(*configPath)
	if err != nil {
		logger.Error.Fatalf("Failed to init service: %v", err)
	}
	defer service.Close()

	workerID := service.Config.Worker.ID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	eng := engine.NewExecEngine(service.Config.Worker.EngineCommand, service.Config.Worker.CourseDir)
	runner := worker.NewRunner(
		service.Store,
		eng,
		service.Signal,
		service.Config.Worker.CourseDir,
		service.Config.Worker.SyntheticStudent,
	)
	w := worker.New(workerID, service.Store, runner, service.Signal, service.Config.PollInterval())

	// SIGTERM stops claiming; the in-flight job still runs to completion
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		logger.Error.Fatalf("Worker failed: %v", err)
	}
}
