package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/ipastusi/lanmonitor/device"
	"github.com/ipastusi/lanmonitor/event"
	"github.com/ipastusi/lanmonitor/history"
	"github.com/ipastusi/lanmonitor/oui"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotFound    = errors.New("device not found")
	ErrPersistence = errors.New("persisting device state failed")
)

// VendorResolver is satisfied by *oui.Resolver.
type VendorResolver interface {
	Resolve(ctx context.Context, mac string) (oui.Result, error)
}

type Options struct {
	// ResolveConcurrency bounds parallel vendor lookups.
	ResolveConcurrency int
	// Watch lists normalized MACs that are watched from the moment they are first seen.
	Watch []string
}

// Registry is the single owner of device state. Callers only ever get copies.
// Writers are serialized and commit to the store before the in-memory state is swapped,
// so a failed write leaves the previous state in place.
type Registry struct {
	store    Store
	resolver VendorResolver
	logger   *slog.Logger
	opts     Options

	writeMu sync.Mutex

	mu      sync.RWMutex
	devices map[string]device.Device
	book    history.AddressBook

	resolveMu sync.Mutex
	inFlight  map[string]chan struct{}
	closed    bool
	resolving sync.WaitGroup
	bgCtx     context.Context
	bgCancel  context.CancelFunc
}

// New loads the persisted state. resolver may be nil, in which case vendors stay unresolved.
func New(ctx context.Context, store Store, resolver VendorResolver, logger *slog.Logger, opts Options) (*Registry, error) {
	devices, err := store.LoadDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	records, err := store.LoadAddresses(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if opts.ResolveConcurrency <= 0 {
		opts.ResolveConcurrency = 2
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	byMAC := make(map[string]device.Device, len(devices))
	for _, d := range devices {
		byMAC[d.MAC] = d
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Registry{
		store:    store,
		resolver: resolver,
		logger:   logger,
		opts:     opts,
		devices:  byMAC,
		book:     history.FromRecords(records),
		inFlight: map[string]chan struct{}{},
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}, nil
}

// GetState returns copies of all known devices sorted by MAC address.
func (r *Registry) GetState() []device.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedDevices(r.devices)
}

// Lookup finds a device by MAC address or numeric ID.
func (r *Registry) Lookup(ref string) (device.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.find(ref)
	if !ok {
		return device.Device{}, fmt.Errorf("%w: %v", ErrNotFound, ref)
	}
	return d, nil
}

// Addresses returns the address history of one device.
func (r *Registry) Addresses(mac string) []history.Record {
	normalized, err := device.NormalizeMAC(mac)
	if err != nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []history.Record
	for _, record := range r.book.Records() {
		if record.Mac == normalized {
			out = append(out, record)
		}
	}
	return out
}

// OtherIps returns the addresses mac used before, other than currentIp.
func (r *Registry) OtherIps(mac string, currentIp string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.book.OtherIps(mac, currentIp)
}

// ApplyScan folds one scan cycle into the state: observed devices are upserted as connected,
// absent connected devices count a missed scan and are marked disconnected when events say so.
// Everything is committed in one transaction before it becomes visible.
func (r *Registry) ApplyScan(ctx context.Context, snapshot device.Snapshot, events []event.ChangeEvent) ([]device.Device, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	next := maps.Clone(r.devices)
	book := r.book.Clone()
	r.mu.RUnlock()
	if next == nil {
		next = map[string]device.Device{}
	}

	observed := snapshot.ByMAC()

	disconnected := map[string]struct{}{}
	for _, e := range events {
		if e.Kind == event.Disconnected {
			disconnected[e.Device.MAC] = struct{}{}
		}
	}

	var changed []device.Device
	var records []history.Record
	for mac, d := range next {
		if _, ok := observed[mac]; ok || !d.Connected {
			continue
		}
		d.MissedScans++
		if _, ok := disconnected[mac]; ok {
			d.Connected = false
		}
		next[mac] = d
		changed = append(changed, d)
	}

	for mac, obs := range observed {
		d, ok := next[mac]
		if !ok {
			d = device.Device{
				MAC:          mac,
				FirstSeen:    snapshot.Ts,
				VendorStatus: device.VendorUnresolved,
				Watched:      slices.Contains(r.opts.Watch, mac),
			}
		}
		d.IP = obs.IP
		if obs.Hostname != "" {
			d.Hostname = obs.Hostname
		}
		if snapshot.Ts.After(d.LastSeen) {
			d.LastSeen = snapshot.Ts
		}
		d.Connected = true
		d.MissedScans = 0
		next[mac] = d
		changed = append(changed, d)
		records = append(records, book.Update(obs, snapshot.Ts))
	}

	// new devices get their IDs in MAC order
	slices.SortFunc(changed, func(a, b device.Device) int {
		return cmp.Compare(a.MAC, b.MAC)
	})
	saved, err := r.store.SaveScan(ctx, changed, records)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	for _, d := range saved {
		next[d.MAC] = d
	}

	r.mu.Lock()
	r.devices = next
	r.book = book
	r.mu.Unlock()

	r.scheduleVendorLookups(slices.Collect(maps.Keys(observed)))
	return sortedDevices(next), nil
}

// SetCustomName renames a device, ref being its MAC address or numeric ID.
func (r *Registry) SetCustomName(ctx context.Context, ref string, name string) (device.Device, error) {
	return r.update(ctx, ref, func(d *device.Device) {
		d.CustomName = name
	})
}

func (r *Registry) SetWatched(ctx context.Context, ref string, watched bool) (device.Device, error) {
	return r.update(ctx, ref, func(d *device.Device) {
		d.Watched = watched
	})
}

// ResolveVendors looks up vendors of the given devices and waits for the results,
// including lookups a scan already started in the background.
func (r *Registry) ResolveVendors(ctx context.Context, macs []string) error {
	pending, running := r.claim(macs)
	if len(pending) > 0 {
		if err := r.resolveVendors(ctx, pending); err != nil {
			return err
		}
	}
	for _, done := range running {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close cancels pending vendor lookups and waits for them to return.
func (r *Registry) Close() {
	r.resolveMu.Lock()
	r.closed = true
	r.resolveMu.Unlock()

	r.bgCancel()
	r.resolving.Wait()
}

func (r *Registry) update(ctx context.Context, ref string, fn func(d *device.Device)) (device.Device, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	d, ok := r.find(ref)
	r.mu.RUnlock()
	if !ok {
		return device.Device{}, fmt.Errorf("%w: %v", ErrNotFound, ref)
	}

	fn(&d)
	if err := r.store.SaveDevice(ctx, d); err != nil {
		return device.Device{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	r.mu.Lock()
	next := maps.Clone(r.devices)
	next[d.MAC] = d
	r.devices = next
	r.mu.Unlock()
	return d, nil
}

// find expects r.mu to be held.
// A bare-hex MAC may be all digits, so a known MAC wins over an ID.
func (r *Registry) find(ref string) (device.Device, bool) {
	if mac, err := device.NormalizeMAC(ref); err == nil {
		if d, ok := r.devices[mac]; ok {
			return d, true
		}
	}

	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return device.Device{}, false
	}
	for _, d := range r.devices {
		if d.ID == id {
			return d, true
		}
	}
	return device.Device{}, false
}

func (r *Registry) scheduleVendorLookups(macs []string) {
	pending, _ := r.claim(macs)
	if len(pending) == 0 {
		return
	}

	r.resolving.Add(1)
	go func() {
		defer r.resolving.Done()
		_ = r.resolveVendors(r.bgCtx, pending)
	}()
}

// claim returns the devices that need a vendor and have no lookup running yet, and marks
// them as being looked up. Lookups already running are returned as channels closed on completion.
func (r *Registry) claim(macs []string) ([]string, []chan struct{}) {
	if r.resolver == nil {
		return nil, nil
	}

	r.mu.RLock()
	var candidates []string
	for _, mac := range macs {
		if d, ok := r.devices[mac]; ok && d.NeedsVendor() {
			candidates = append(candidates, mac)
		}
	}
	r.mu.RUnlock()

	r.resolveMu.Lock()
	defer r.resolveMu.Unlock()
	if r.closed {
		return nil, nil
	}
	var pending []string
	var running []chan struct{}
	for _, mac := range candidates {
		if done, ok := r.inFlight[mac]; ok {
			running = append(running, done)
			continue
		}
		r.inFlight[mac] = make(chan struct{})
		pending = append(pending, mac)
	}
	slices.Sort(pending)
	return pending, running
}

func (r *Registry) resolveVendors(ctx context.Context, macs []string) error {
	var g errgroup.Group
	g.SetLimit(r.opts.ResolveConcurrency)
	for _, mac := range macs {
		g.Go(func() error {
			defer r.release(mac)
			r.resolveVendor(ctx, mac)
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry) release(mac string) {
	r.resolveMu.Lock()
	defer r.resolveMu.Unlock()
	if done, ok := r.inFlight[mac]; ok {
		close(done)
		delete(r.inFlight, mac)
	}
}

func (r *Registry) resolveVendor(ctx context.Context, mac string) {
	res, err := r.resolver.Resolve(ctx, mac)
	if err != nil {
		r.logger.Warn("vendor resolution failed", slog.String("MAC", mac), slog.Any("error", err))
		return
	}

	var vendor string
	var status device.VendorStatus
	switch res.Status {
	case oui.StatusResolved:
		vendor, status = res.Vendor, device.VendorResolved
	case oui.StatusNotFound:
		status = device.VendorUnknown
	default:
		r.logger.Debug("vendor resolution pending", slog.String("MAC", mac), slog.Time("retryAt", res.RetryAt))
		return
	}

	_, err = r.update(ctx, mac, func(d *device.Device) {
		d.Vendor = vendor
		d.VendorStatus = status
	})
	if err != nil {
		r.logger.Error("storing vendor failed", slog.String("MAC", mac), slog.Any("error", err))
	}
}

func sortedDevices(devices map[string]device.Device) []device.Device {
	out := make([]device.Device, 0, len(devices))
	for _, d := range devices {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b device.Device) int {
		return cmp.Compare(a.MAC, b.MAC)
	})
	return out
}
