// internal/export/gsheet.go
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/nbblackbox/gradepipe/internal/app"
	"github.com/nbblackbox/gradepipe/internal/store"
)

// GSheetExporter periodically pushes per-exercise outcome counts into a
// spreadsheet for the teaching staff.
type GSheetExporter struct {
	config        *app.Config
	store         store.GradingStore
	scheduler     *gocron.Scheduler
	sheetsService *sheets.Service
}

func NewGSheetExporter(config *app.Config, st store.GradingStore) (*GSheetExporter, error) {
	ctx := context.Background()

	if config.Export.SpreadsheetID == "" {
		return nil, fmt.Errorf("no spreadsheet configured")
	}

	svc, err := sheets.NewService(ctx, option.WithCredentialsFile(config.Export.CredentialsPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	exporter := &GSheetExporter{
		config:        config,
		store:         st,
		scheduler:     gocron.NewScheduler(time.UTC),
		sheetsService: svc,
	}

	interval := config.Export.IntervalMinutes
	if interval <= 0 {
		interval = 60
	}
	if _, err := exporter.scheduler.Every(interval).Minutes().Do(exporter.Export); err != nil {
		return nil, fmt.Errorf("failed to schedule export: %w", err)
	}

	return exporter, nil
}

func (e *GSheetExporter) Start() {
	e.scheduler.StartAsync()
}

func (e *GSheetExporter) Stop() {
	e.scheduler.Stop()
}

// Export writes one snapshot of the outcome stats, headers included.
func (e *GSheetExporter) Export() {
	stats, err := e.store.ExerciseOutcomeStats()
	if err != nil {
		logger.Error.Printf("Failed to fetch outcome stats: %v", err)
		return
	}

	values := [][]interface{}{
		{"exercise", "total", "graded", "errored", "notified", "exported_at"},
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, s := range stats {
		values = append(values, []interface{}{
			s.Exercise, s.Total, s.Graded, s.Errored, s.Notified, now,
		})
	}

	_, err = e.sheetsService.Spreadsheets.Values.Update(
		e.config.Export.SpreadsheetID,
		e.config.Export.Range,
		&sheets.ValueRange{Values: values},
	).ValueInputOption("RAW").Do()
	if err != nil {
		logger.Error.Printf("Failed to update spreadsheet: %v", err)
		return
	}

	logger.Info.Printf("Exported outcome stats for %d exercises", len(stats))
}
