package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ipastusi/lanmonitor/device"
	"github.com/ipastusi/lanmonitor/event"
	"github.com/ipastusi/lanmonitor/scanner"
)

var ErrCycleInFlight = errors.New("scan cycle already in flight")

type Phase int32

const (
	Idle Phase = iota
	Scanning
	Diffing
	Persisting
	Dispatching
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Diffing:
		return "diffing"
	case Persisting:
		return "persisting"
	case Dispatching:
		return "dispatching"
	default:
		return "unknown"
	}
}

type Detector interface {
	DetectChanges(snapshot device.Snapshot, state []device.Device) []event.ChangeEvent
}

type Registry interface {
	GetState() []device.Device
	ApplyScan(ctx context.Context, snapshot device.Snapshot, events []event.ChangeEvent) ([]device.Device, error)
}

type Dispatcher interface {
	Dispatch(events []event.ChangeEvent) int
}

// CycleResult describes one completed cycle. Events carry the committed device state.
type CycleResult struct {
	Snapshot device.Snapshot
	Events   []event.ChangeEvent
	State    []device.Device
	Duration time.Duration
}

type Status struct {
	Phase       Phase
	Cycles      int64
	Skipped     int64
	Failures    int64
	LastSuccess time.Time
	LastError   error
	LastErrorTs time.Time
}

type Options struct {
	Interval time.Duration
	// OnCycle is called after every successful cycle, on the cycle's goroutine.
	OnCycle func(CycleResult)
}

// Scheduler drives scan cycles: scan, diff against the registry, persist, dispatch alerts.
// At most one cycle runs at a time. A cycle that fails is abandoned as a whole and the
// next one starts from the last committed state.
type Scheduler struct {
	scanner    scanner.Scanner
	detector   Detector
	registry   Registry
	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger
	now        func() time.Time

	phase   atomic.Int32
	running atomic.Bool
	trigger chan struct{}

	mu     sync.Mutex
	status Status
}

// New creates a scheduler. dispatcher may be nil when no alerts are wanted.
func New(sc scanner.Scanner, detector Detector, registry Registry, dispatcher Dispatcher, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		scanner:    sc,
		detector:   detector,
		registry:   registry,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		trigger:    make(chan struct{}, 1),
	}
}

// Start runs a cycle immediately and then one per interval or trigger, until ctx is done.
// A cycle in progress when ctx is done completes its current phase and stops.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.runLogged(ctx)
	s.skipMissedTick(ticker)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLogged(ctx)
		case <-s.trigger:
			s.runLogged(ctx)
		}
		s.skipMissedTick(ticker)
	}
}

// skipMissedTick drops a tick that fell due while a cycle was running and restarts the
// interval, so a slow cycle is never followed by another one right away.
func (s *Scheduler) skipMissedTick(ticker *time.Ticker) {
	select {
	case <-ticker.C:
		s.skip("tick")
		ticker.Reset(s.opts.Interval)
	default:
	}
}

// Trigger asks Start for a cycle now. It returns false, and counts a skipped cycle,
// when a cycle is already running or pending.
func (s *Scheduler) Trigger() bool {
	if s.running.Load() {
		s.skip("trigger")
		return false
	}
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		s.skip("trigger")
		return false
	}
}

// RunOnce runs a single cycle on the caller's goroutine.
func (s *Scheduler) RunOnce(ctx context.Context) (CycleResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.skip("run")
		return CycleResult{}, ErrCycleInFlight
	}
	defer s.running.Store(false)
	defer s.setPhase(Idle)

	start := s.now()
	result, err := s.cycle(ctx)
	result.Duration = s.now().Sub(start)

	s.mu.Lock()
	if err != nil {
		s.status.Failures++
		s.status.LastError = err
		s.status.LastErrorTs = s.now()
	} else {
		s.status.Cycles++
		s.status.LastSuccess = s.now()
	}
	s.mu.Unlock()

	if err == nil && s.opts.OnCycle != nil {
		s.opts.OnCycle(result)
	}
	return result, err
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.status
	status.Phase = Phase(s.phase.Load())
	return status
}

func (s *Scheduler) cycle(ctx context.Context) (CycleResult, error) {
	// a started phase is never interrupted, cancellation is only honoured between phases
	work := context.WithoutCancel(ctx)

	s.setPhase(Scanning)
	snapshot, err := s.scanner.Scan(work)
	if err != nil {
		return CycleResult{}, fmt.Errorf("scan: %w", err)
	}
	if err = ctx.Err(); err != nil {
		return CycleResult{}, err
	}

	s.setPhase(Diffing)
	events := s.detector.DetectChanges(snapshot, s.registry.GetState())
	if err = ctx.Err(); err != nil {
		return CycleResult{}, err
	}

	s.setPhase(Persisting)
	state, err := s.registry.ApplyScan(work, snapshot, events)
	if err != nil {
		return CycleResult{}, fmt.Errorf("persist: %w", err)
	}
	result := CycleResult{
		Snapshot: snapshot,
		Events:   event.WithDevices(events, state),
		State:    state,
	}
	if err = ctx.Err(); err != nil {
		return result, err
	}

	s.setPhase(Dispatching)
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(result.Events)
	}
	return result, nil
}

func (s *Scheduler) runLogged(ctx context.Context) {
	result, err := s.RunOnce(ctx)
	if errors.Is(err, ErrCycleInFlight) {
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			s.logger.Info("scan cycle abandoned on shutdown", slog.Any("error", err))
			return
		}
		s.logger.Error("scan cycle failed", slog.Any("error", err))
		return
	}

	connected := 0
	for _, d := range result.State {
		if d.Connected {
			connected++
		}
	}
	s.logger.Info("scan cycle finished",
		slog.Int("observed", len(result.Snapshot.Observations)),
		slog.Int("connected", connected),
		slog.Int("known", len(result.State)),
		slog.Int("events", len(result.Events)),
		slog.Duration("duration", result.Duration),
	)
	for _, e := range result.Events {
		s.logger.Info("device "+e.Kind.String(),
			slog.String("MAC", e.Device.MAC),
			slog.String("IP", e.Device.IP),
			slog.String("name", e.Device.DisplayName()),
		)
	}
}

func (s *Scheduler) setPhase(p Phase) {
	s.phase.Store(int32(p))
}

func (s *Scheduler) skip(source string) {
	s.mu.Lock()
	s.status.Skipped++
	s.mu.Unlock()
	s.logger.Warn("scan cycle skipped, another one is in flight", slog.String("source", source))
}
