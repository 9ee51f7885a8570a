package scanner

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync/atomic"
	"time"

	"github.com/ipastusi/lanmonitor/device"
)

// Scanner produces the set of devices currently present on the segment.
type Scanner interface {
	Scan(ctx context.Context) (device.Snapshot, error)
}

// Reply is the sender of an ARP packet seen during a sweep.
type Reply struct {
	IP  netip.Addr
	MAC net.HardwareAddr
}

// Prober sends ARP requests and reads ARP packets on one interface.
type Prober interface {
	Request(ip netip.Addr) error
	Read() (Reply, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

type OpenFunc func(target Target) (Prober, error)

// Opener returns the prober constructor for a backend name.
func Opener(backend string) (OpenFunc, error) {
	switch backend {
	case "", "arp":
		return OpenARP, nil
	case "pcap":
		return OpenPcap, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownBackend, backend)
	}
}

// HostnameLookup returns names for the given addresses, omitting those it could not resolve.
type HostnameLookup func(ctx context.Context, iface *net.Interface, ips []netip.Addr) map[netip.Addr]string

type Options struct {
	// ProbeTimeout is how long replies are awaited after the last request.
	ProbeTimeout time.Duration
	// ProbeRetries is the number of extra request rounds sent to every host.
	ProbeRetries  int
	RetryInterval time.Duration
	Hostnames     HostnameLookup
}

// Sweeper is an active ARP scanner: every host of the segment is asked for its
// hardware address and whoever answers within the probe timeout is present.
type Sweeper struct {
	target Target
	open   OpenFunc
	filter Filter
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func NewSweeper(target Target, open OpenFunc, filter Filter, opts Options, logger *slog.Logger) *Sweeper {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 1500 * time.Millisecond
	}
	if opts.ProbeRetries < 0 {
		opts.ProbeRetries = 0
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sweeper{
		target: target,
		open:   open,
		filter: filter,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Sweeper) Target() Target {
	return s.target
}

func (s *Sweeper) Scan(ctx context.Context) (device.Snapshot, error) {
	ts := s.now()
	prober, err := s.open(s.target)
	if err != nil {
		return device.Snapshot{}, fmt.Errorf("%w: open %v: %v", ErrNoInterface, s.interfaceName(), err)
	}
	defer prober.Close()

	var deadline atomic.Int64
	done := make(chan []Reply, 1)
	go func() {
		done <- collect(prober, &deadline)
	}()

	stopReading := func(at time.Time) {
		deadline.Store(at.UnixNano())
		_ = prober.SetReadDeadline(at)
	}

	hosts := Hosts(s.target.Segment, s.target.Self)
	sendErr := s.sendRequests(ctx, prober, hosts)
	if sendErr != nil {
		stopReading(time.Now())
	} else {
		stopReading(time.Now().Add(s.opts.ProbeTimeout))
	}

	var replies []Reply
	select {
	case replies = <-done:
	case <-ctx.Done():
		stopReading(time.Now())
		<-done
		return device.Snapshot{}, ctx.Err()
	}
	if sendErr != nil {
		return device.Snapshot{}, sendErr
	}

	observations := s.observations(replies)
	if s.opts.Hostnames != nil && len(observations) > 0 {
		s.addHostnames(ctx, observations)
	}

	s.logger.Debug("sweep finished",
		slog.String("segment", s.target.Segment.String()),
		slog.Int("hosts", len(hosts)),
		slog.Int("replies", len(replies)),
		slog.Int("devices", len(observations)),
	)
	return device.Snapshot{Ts: ts, Observations: observations}, nil
}

func (s *Sweeper) sendRequests(ctx context.Context, prober Prober, hosts []netip.Addr) error {
	for round := range s.opts.ProbeRetries + 1 {
		if round > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.opts.RetryInterval):
			}
		}

		failed := 0
		var lastErr error
		for _, ip := range hosts {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := prober.Request(ip); err != nil {
				failed++
				lastErr = err
			}
		}
		if failed > 0 && failed == len(hosts) {
			return fmt.Errorf("send ARP requests on %v: %w", s.interfaceName(), lastErr)
		}
		if failed > 0 {
			s.logger.Warn("some ARP requests failed", slog.Int("failed", failed), slog.Any("error", lastErr))
		}
	}
	return nil
}

// collect reads until the read deadline stored in deadline passes or the prober is closed.
func collect(prober Prober, deadline *atomic.Int64) []Reply {
	var replies []Reply
	for {
		reply, err := prober.Read()
		if err == nil {
			replies = append(replies, reply)
			continue
		}
		if isTimeout(err) || errors.Is(err, net.ErrClosed) {
			return replies
		}
		if d := deadline.Load(); d != 0 && time.Now().UnixNano() >= d {
			return replies
		}
	}
}

func (s *Sweeper) observations(replies []Reply) []device.Observation {
	seen := map[string]device.Observation{}
	for _, r := range replies {
		ip := r.IP.Unmap()
		if !ip.Is4() || !s.target.Segment.Contains(ip) || ip == s.target.Self {
			continue
		}
		if !isUnicastMAC(r.MAC) {
			continue
		}
		if s.target.Interface != nil && bytes.Equal(r.MAC, s.target.Interface.HardwareAddr) {
			continue
		}

		mac := r.MAC.String()
		if _, ok := seen[mac]; ok {
			continue
		}
		if s.filter.IsExcluded(ip.String(), mac) {
			continue
		}
		seen[mac] = device.Observation{MAC: mac, IP: ip.String()}
	}

	observations := make([]device.Observation, 0, len(seen))
	for _, o := range seen {
		observations = append(observations, o)
	}
	slices.SortFunc(observations, func(a, b device.Observation) int {
		return cmp.Compare(a.MAC, b.MAC)
	})
	return observations
}

func (s *Sweeper) addHostnames(ctx context.Context, observations []device.Observation) {
	ips := make([]netip.Addr, 0, len(observations))
	for _, o := range observations {
		ips = append(ips, netip.MustParseAddr(o.IP))
	}

	names := s.opts.Hostnames(ctx, s.target.Interface, ips)
	for i := range observations {
		if name, ok := names[netip.MustParseAddr(observations[i].IP)]; ok {
			observations[i].Hostname = name
		}
	}
}

func (s *Sweeper) interfaceName() string {
	if s.target.Interface == nil {
		return "<none>"
	}
	return s.target.Interface.Name
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
}

func isUnicastMAC(mac net.HardwareAddr) bool {
	if len(mac) != 6 {
		return false
	}
	zero, broadcast := true, true
	for _, b := range mac {
		if b != 0x00 {
			zero = false
		}
		if b != 0xff {
			broadcast = false
		}
	}
	return !zero && !broadcast
}
