package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/nbblackbox/gradepipe/internal/app"
	"github.com/nbblackbox/gradepipe/internal/notify"
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

	mailer := notify.NewSMTPMailer(service.Config.Notify.SMTPAddr, service.Config.Notify.From)

	alerter, err := notify.NewStaffAlerter(
		service.Config.Notify.TelegramToken,
		service.Config.Notify.TelegramChatID,
	)
	if err != nil {
		logger.Error.Fatalf("Failed to init staff alerter: %v", err)
	}
	if alerter == nil {
		logger.Info.Println("Staff alerts disabled, no telegram token configured")
	}

	dispatcher := notify.NewDispatcher(service.Store, mailer, alerter, service.Signal, notify.Options{
		Subject:          service.Config.Notify.Subject,
		ResultLinkPrefix: service.Config.Notify.ResultLinkPrefix,
		BatchSize:        service.Config.Notify.BatchSize,
		MaxDaily:         service.Config.Limits.DailyMax,
		SweepInterval:    service.Config.SweepInterval(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info.Println("Starting notification dispatcher")
	if err := dispatcher.Run(ctx); err != nil {
		logger.Error.Fatalf("Dispatcher failed: %v", err)
	}
}
