package scheduler_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ipastusi/lanmonitor/device"
	"github.com/ipastusi/lanmonitor/event"
	"github.com/ipastusi/lanmonitor/registry"
	"github.com/ipastusi/lanmonitor/scheduler"
)

type fakeScanner struct {
	mu        sync.Mutex
	snapshots []device.Snapshot
	err       error
	started   chan struct{}
	release   chan struct{}
	delay     time.Duration
	calls     atomic.Int64
	starts    []time.Time
}

func (s *fakeScanner) Scan(ctx context.Context) (device.Snapshot, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.starts = append(s.starts, time.Now())
	s.mu.Unlock()
	time.Sleep(s.delay)
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return device.Snapshot{}, s.err
	}
	if len(s.snapshots) == 0 {
		return device.Snapshot{Ts: time.Now()}, nil
	}
	snapshot := s.snapshots[0]
	if len(s.snapshots) > 1 {
		s.snapshots = s.snapshots[1:]
	}
	return snapshot, nil
}

type fakeRegistry struct {
	mu       sync.Mutex
	state    []device.Device
	err      error
	applied  int
	started  chan struct{}
	release  chan struct{}
	ctxErrAt error
}

func (r *fakeRegistry) GetState() []device.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.Device(nil), r.state...)
}

func (r *fakeRegistry) ApplyScan(ctx context.Context, snapshot device.Snapshot, events []event.ChangeEvent) ([]device.Device, error) {
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		<-r.release
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctxErrAt = ctx.Err()
	if r.err != nil {
		return nil, r.err
	}
	r.applied++
	r.state = nil
	for _, obs := range snapshot.Observations {
		r.state = append(r.state, device.Device{ID: int64(len(r.state) + 1), MAC: obs.MAC, IP: obs.IP, Connected: true})
	}
	return append([]device.Device(nil), r.state...), nil
}

type fakeDispatcher struct {
	mu     sync.Mutex
	events []event.ChangeEvent
}

func (d *fakeDispatcher) Dispatch(events []event.ChangeEvent) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, events...)
	return len(events)
}

func (d *fakeDispatcher) received() []event.ChangeEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]event.ChangeEvent(nil), d.events...)
}

func newDetector(t *testing.T) event.Detector {
	t.Helper()
	detector, err := event.NewDetector(2)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	return detector
}

func Test_RunOnce(t *testing.T) {
	t.Parallel()

	sc := &fakeScanner{snapshots: []device.Snapshot{
		{Ts: time.Now(), Observations: []device.Observation{{MAC: "aa:bb:cc:dd:ee:01", IP: "192.168.1.10"}}},
	}}
	reg := &fakeRegistry{}
	dispatcher := &fakeDispatcher{}
	var hooked []scheduler.CycleResult
	opts := scheduler.Options{OnCycle: func(r scheduler.CycleResult) { hooked = append(hooked, r) }}
	s := scheduler.New(sc, newDetector(t), reg, dispatcher, opts, nil)

	result, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	if len(result.Events) != 1 || result.Events[0].Kind != event.NewDevice {
		t.Fatal("unexpected events:", result.Events)
	}
	// events carry the committed device
	if result.Events[0].Device.ID != 1 {
		t.Fatal("event device not refreshed:", result.Events[0].Device)
	}
	if received := dispatcher.received(); len(received) != 1 {
		t.Fatal("unexpected dispatched events:", received)
	}
	if len(hooked) != 1 {
		t.Fatal("cycle hook not called")
	}

	status := s.Status()
	if status.Cycles != 1 || status.Failures != 0 || status.LastSuccess.IsZero() || status.Phase != scheduler.Idle {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func Test_RunOnceNoOverlap(t *testing.T) {
	t.Parallel()

	sc := &fakeScanner{started: make(chan struct{}, 1), release: make(chan struct{})}
	s := scheduler.New(sc, newDetector(t), &fakeRegistry{}, nil, scheduler.Options{}, nil)

	done := make(chan error)
	go func() {
		_, err := s.RunOnce(context.Background())
		done <- err
	}()
	<-sc.started

	if phase := s.Status().Phase; phase != scheduler.Scanning {
		t.Fatal("unexpected phase:", phase)
	}
	if _, err := s.RunOnce(context.Background()); !errors.Is(err, scheduler.ErrCycleInFlight) {
		t.Fatal("unexpected error:", err)
	}
	if s.Trigger() {
		t.Fatal("trigger accepted while a cycle is in flight")
	}

	close(sc.release)
	if err := <-done; err != nil {
		t.Fatal("unexpected error:", err)
	}

	status := s.Status()
	if status.Skipped != 2 || status.Cycles != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if calls := sc.calls.Load(); calls != 1 {
		t.Fatal("unexpected number of scans:", calls)
	}
}

func Test_RunOnceScanFailure(t *testing.T) {
	t.Parallel()

	sc := &fakeScanner{err: errors.New("no usable network interface")}
	reg := &fakeRegistry{}
	dispatcher := &fakeDispatcher{}
	s := scheduler.New(sc, newDetector(t), reg, dispatcher, scheduler.Options{}, nil)

	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if reg.applied != 0 || len(dispatcher.received()) != 0 {
		t.Fatal("failed cycle was not abandoned")
	}

	status := s.Status()
	if status.Failures != 1 || status.LastError == nil || status.Cycles != 0 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func Test_RunOncePersistFailure(t *testing.T) {
	t.Parallel()

	sc := &fakeScanner{snapshots: []device.Snapshot{
		{Ts: time.Now(), Observations: []device.Observation{{MAC: "aa:bb:cc:dd:ee:01", IP: "192.168.1.10"}}},
	}}
	reg := &fakeRegistry{err: registry.ErrPersistence}
	dispatcher := &fakeDispatcher{}
	s := scheduler.New(sc, newDetector(t), reg, dispatcher, scheduler.Options{}, nil)

	if _, err := s.RunOnce(context.Background()); !errors.Is(err, registry.ErrPersistence) {
		t.Fatal("unexpected error:", err)
	}
	if len(dispatcher.received()) != 0 {
		t.Fatal("events dispatched for a failed cycle")
	}

	// next cycle starts again from the committed state
	reg.mu.Lock()
	reg.err = nil
	reg.mu.Unlock()
	result, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	if len(result.Events) != 1 || result.Events[0].Kind != event.NewDevice {
		t.Fatal("unexpected events:", result.Events)
	}
}

func Test_ShutdownDuringPersist(t *testing.T) {
	t.Parallel()

	sc := &fakeScanner{}
	reg := &fakeRegistry{started: make(chan struct{}, 1), release: make(chan struct{})}
	dispatcher := &fakeDispatcher{}
	s := scheduler.New(sc, newDetector(t), reg, dispatcher, scheduler.Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		_, err := s.RunOnce(ctx)
		done <- err
	}()

	<-reg.started
	cancel()
	close(reg.release)

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatal("unexpected error:", err)
	}
	if reg.applied != 1 {
		t.Fatal("persist phase did not complete")
	}
	if reg.ctxErrAt != nil {
		t.Fatal("persist phase saw a cancelled context:", reg.ctxErrAt)
	}
	if len(dispatcher.received()) != 0 {
		t.Fatal("dispatch phase ran after shutdown")
	}
}

func Test_Start(t *testing.T) {
	t.Parallel()

	sc := &fakeScanner{}
	s := scheduler.New(sc, newDetector(t), &fakeRegistry{}, nil, scheduler.Options{Interval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return s.Status().Cycles == 1 })
	// the first cycle may still be finishing, so retry until the trigger is taken
	waitFor(t, s.Trigger)
	waitFor(t, func() bool { return s.Status().Cycles == 2 })

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("start did not return after cancellation")
	}
}

func Test_StartInterval(t *testing.T) {
	t.Parallel()

	sc := &fakeScanner{}
	s := scheduler.New(sc, newDetector(t), &fakeRegistry{}, nil, scheduler.Options{Interval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	waitFor(t, func() bool { return s.Status().Cycles >= 3 })
}

func Test_StartSlowCycle(t *testing.T) {
	t.Parallel()

	interval := 10 * time.Millisecond
	sc := &fakeScanner{delay: 3 * interval}
	s := scheduler.New(sc, newDetector(t), &fakeRegistry{}, nil, scheduler.Options{Interval: interval}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(ctx)
	}()

	waitFor(t, func() bool { return s.Status().Cycles >= 3 })
	cancel()
	<-done

	if skipped := s.Status().Skipped; skipped == 0 {
		t.Fatal("missed ticks not counted as skipped")
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for i := 1; i < len(sc.starts); i++ {
		// a full interval passes between the end of one cycle and the start of the next
		if gap := sc.starts[i].Sub(sc.starts[i-1]); gap < sc.delay+interval {
			t.Fatalf("cycle %v started %v after the previous one", i, gap)
		}
	}
}

func Test_RunOnceWithRegistry(t *testing.T) {
	t.Parallel()

	store, err := registry.OpenSQLite(filepath.Join(t.TempDir(), "lanmonitor.db"))
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	defer store.Close()
	reg, err := registry.New(context.Background(), store, nil, nil, registry.Options{})
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	defer reg.Close()

	ts := time.Now()
	obs := device.Observation{MAC: "aa:bb:cc:dd:ee:01", IP: "192.168.1.10"}
	sc := &fakeScanner{snapshots: []device.Snapshot{
		{Ts: ts, Observations: []device.Observation{obs}},
		{Ts: ts.Add(time.Minute)},
		{Ts: ts.Add(2 * time.Minute)},
	}}
	dispatcher := &fakeDispatcher{}
	s := scheduler.New(sc, newDetector(t), reg, dispatcher, scheduler.Options{}, nil)

	var kinds []event.Kind
	for range 3 {
		result, err := s.RunOnce(context.Background())
		if err != nil {
			t.Fatal("unexpected error:", err)
		}
		for _, e := range result.Events {
			kinds = append(kinds, e.Kind)
		}
	}

	if len(kinds) != 2 || kinds[0] != event.NewDevice || kinds[1] != event.Disconnected {
		t.Fatal("unexpected events:", kinds)
	}
	state := reg.GetState()
	if len(state) != 1 || state[0].Connected {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
