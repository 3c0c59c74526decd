package main

import (
	"flag"
	"net/http"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/nbblackbox/gradepipe/internal/app"
	"github.com/nbblackbox/gradepipe/internal/handlers"
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

	gradingHandler := handlers.NewGradingHandler(service)

	http.HandleFunc("POST /api/v1/exercises/{exercise}/submissions", gradingHandler.HandleSubmit)
	http.HandleFunc("GET /api/v1/submissions/{id}", gradingHandler.HandleResult)
	http.HandleFunc("GET /api/v1/exercises", gradingHandler.HandleListExercises)
	http.HandleFunc("PUT /api/v1/exercises/{exercise}/blueprint", gradingHandler.HandlePublish)
	http.HandleFunc("POST /api/v1/admin/tokens/{email}", gradingHandler.HandleMintToken)

	http.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})

	http.Handle("/metrics", promhttp.Handler())

	logger.Info.Printf("Starting gradepipe server on %s", service.Config.Server.Port)
	if err := http.ListenAndServe(service.Config.Server.Port, nil); err != nil {
		logger.Error.Fatalf("Gradepipe server failed: %v", err)
	}
}
