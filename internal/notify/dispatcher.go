// internal/notify/dispatcher.go
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/nbblackbox/gradepipe/internal/metrics"
	"github.com/nbblackbox/gradepipe/internal/models"
	"github.com/nbblackbox/gradepipe/internal/wakeup"
)

// Store is the slice of the coordination store delivery needs.
type Store interface {
	ListUnnotified(limit int) ([]models.GradingRequest, error)
	GetErrorRecord(request uuid.UUID) (*models.ErrorRecord, error)
	MarkNotified(request uuid.UUID, email, day string, maxDaily int) (bool, error)
}

// Options carry the delivery texts and limits.
type Options struct {
	Subject          string
	ResultLinkPrefix string
	BatchSize        int
	MaxDaily         int
	SweepInterval    time.Duration
}

// Dispatcher delivers "result ready" notices at least once. The mail may
// repeat after a crash between send and flag flip; the flag flip and the
// contingent charge cannot, because MarkNotified does both in one guarded
// update.
type Dispatcher struct {
	store   Store
	mailer  Mailer
	alerter *StaffAlerter
	signal  *wakeup.Signal
	opts    Options

	// overlapping sweeps would only produce duplicate mails, but there
	// is no reason to invite them
	sweepMu sync.Mutex
}

func NewDispatcher(st Store, mailer Mailer, alerter *StaffAlerter, signal *wakeup.Signal, opts Options) *Dispatcher {
	return &Dispatcher{
		store:   st,
		mailer:  mailer,
		alerter: alerter,
		signal:  signal,
		opts:    opts,
	}
}

// wakeWaitInterval bounds one wake-up subscription; the periodic sweeps
// belong to the scheduler, so a tick here costs at most one redundant
// sweep an hour.
const wakeWaitInterval = time.Hour

// Run sweeps on the gocron schedule and additionally right after a
// result-ready wake-up, until ctx is canceled. The schedule is the only
// periodic driver; without Redis the loop just blocks until shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	scheduler := gocron.NewScheduler(time.UTC)
	_, err := scheduler.Every(int(d.opts.SweepInterval.Seconds())).Seconds().Do(func() {
		d.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	scheduler.StartAsync()
	defer scheduler.Stop()

	if !d.signal.Enabled() {
		<-ctx.Done()
		logger.Info.Printf("Notification dispatcher shutting down")
		return nil
	}

	for {
		if _, err := d.signal.Wait(ctx, wakeWaitInterval, wakeup.KindResultReady); err != nil {
			logger.Info.Printf("Notification dispatcher shutting down")
			return nil
		}
		d.Sweep(ctx)
	}
}

// Sweep delivers one batch of pending notices. Transport failures leave
// the request unnotified for the next sweep.
func (d *Dispatcher) Sweep(ctx context.Context) {
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()

	requests, err := d.store.ListUnnotified(d.opts.BatchSize)
	if err != nil {
		logger.Error.Printf("Failed to list unnotified requests: %v", err)
		return
	}

	for _, req := range requests {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.deliver(req)
	}
}

func (d *Dispatcher) deliver(req models.GradingRequest) {
	body := fmt.Sprintf(`Hello,

the automated grading of your submission has finished.
You can find the result here: %s%s

This email is auto-generated, please do not reply.
`, d.opts.ResultLinkPrefix, req.Identifier)

	if err := d.mailer.Send(req.Email, d.opts.Subject, body); err != nil {
		logger.Error.Printf("Delivery for request %s failed: %v", req.Identifier, err)
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return
	}

	day := time.Now().UTC().Format("2006-01-02")
	flipped, err := d.store.MarkNotified(req.Identifier, req.Email, day, d.opts.MaxDaily)
	if err != nil {
		// mail went out but the flag did not flip: the next sweep will
		// redeliver, which the recipient tolerates
		logger.Error.Printf("Failed to mark request %s notified: %v", req.Identifier, err)
		metrics.NotificationsTotal.WithLabelValues("unflagged").Inc()
		return
	}
	if !flipped {
		logger.Debug.Printf("Request %s was already notified elsewhere", req.Identifier)
		return
	}

	metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
	logger.Info.Printf("Notified %s about request %s", req.Email, req.Identifier)

	if d.alerter == nil {
		return
	}
	rec, err := d.store.GetErrorRecord(req.Identifier)
	if err != nil {
		logger.Debug.Printf("Failed to check error record for %s: %v", req.Identifier, err)
		return
	}
	if rec != nil {
		if err := d.alerter.Alert(req.Identifier.String(), req.Exercise, rec.Kind); err != nil {
			logger.Debug.Printf("Staff alert for %s failed: %v", req.Identifier, err)
		}
	}
}
