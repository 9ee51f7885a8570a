package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// OtherIpsFunc returns the addresses a device used before, excluding its current one.
type OtherIpsFunc func(mac string, currentIp string) []string

type DispatcherOptions struct {
	AlertOnNewDevices bool
	QueueSize         int
	Timeout           time.Duration
}

// Dispatcher turns change events into alerts and delivers them on a background worker,
// so a slow or failing notifier never holds up a scan cycle.
type Dispatcher struct {
	opts      DispatcherOptions
	notifiers []Notifier
	otherIps  OtherIpsFunc
	logger    *slog.Logger

	mu      sync.RWMutex
	stopped bool
	queue   chan Alert
	wg      sync.WaitGroup

	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

func NewDispatcher(opts DispatcherOptions, otherIps OtherIpsFunc, logger *slog.Logger, notifiers ...Notifier) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		opts:      opts,
		notifiers: notifiers,
		otherIps:  otherIps,
		logger:    logger,
		queue:     make(chan Alert, opts.QueueSize),
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for alert := range d.queue {
			d.deliver(alert)
		}
	}()
}

// Dispatch queues an alert for every event that concerns a watched device, or a device
// never seen before when new-device alerts are on. It never blocks: alerts that do not
// fit into the queue are dropped and logged. It returns the number of queued alerts.
func (d *Dispatcher) Dispatch(events []ChangeEvent) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return 0
	}

	queued := 0
	for _, e := range events {
		if !d.qualifies(e) {
			continue
		}

		var otherIps []string
		if d.otherIps != nil {
			otherIps = d.otherIps(e.Device.MAC, e.Device.IP)
		}
		alert := newAlert(e, otherIps)

		select {
		case d.queue <- alert:
			queued++
		default:
			d.dropped.Add(1)
			d.logger.Warn("alert queue full, alert dropped",
				slog.String("event", e.Kind.String()),
				slog.String("MAC", e.Device.MAC),
			)
		}
	}
	return queued
}

// Stop stops accepting alerts and waits until the queued ones are delivered.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) Delivered() int64 {
	return d.delivered.Load()
}

func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) Failed() int64 {
	return d.failed.Load()
}

func (d *Dispatcher) qualifies(e ChangeEvent) bool {
	if e.Device.Watched {
		return true
	}
	return e.Kind == NewDevice && d.opts.AlertOnNewDevices
}

func (d *Dispatcher) deliver(alert Alert) {
	for _, n := range d.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
		err := notify(ctx, n, alert)
		cancel()

		if err != nil {
			d.failed.Add(1)
			d.logger.Error("alert delivery failed",
				slog.String("notifier", fmt.Sprintf("%T", n)),
				slog.String("event", alert.Kind.String()),
				slog.String("MAC", alert.Device.MAC),
				slog.Any("error", err),
			)
			continue
		}
		d.delivered.Add(1)
	}
}

// notify bounds a single delivery by ctx even when the notifier ignores it,
// and turns a notifier panic into an error.
func notify(ctx context.Context, n Notifier, alert Alert) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("notifier panic: %v", r)
			}
		}()
		done <- n.Notify(ctx, alert)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
