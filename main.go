package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ipastusi/lanmonitor/cli"
	"github.com/ipastusi/lanmonitor/config"
	"github.com/ipastusi/lanmonitor/device"
	"github.com/ipastusi/lanmonitor/event"
	"github.com/ipastusi/lanmonitor/oui"
	"github.com/ipastusi/lanmonitor/registry"
	"github.com/ipastusi/lanmonitor/scanner"
	"github.com/ipastusi/lanmonitor/scheduler"
	"github.com/ipastusi/lanmonitor/state"
)

const (
	mdnsWindow     = 750 * time.Millisecond
	oneShotTimeout = 30 * time.Second
)

func main() {
	flags, err := cli.GetFlags()
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	exitOnError(err)
	command, err := flags.Command()
	exitOnError(err)

	var cfgData []byte
	if *flags.ConfigFileName != "" {
		cfgData, err = os.ReadFile(*flags.ConfigFileName)
		exitOnError(err)
	}

	cfg, err := config.GetConfig(cfgData, config.Overrides{
		IfaceName:        flags.IfaceName,
		Segment:          flags.Segment,
		LogFileName:      flags.LogFileName,
		DatabaseFileName: flags.DatabaseFileName,
	})
	if *flags.RenderConfig {
		renderedConfig, errRender := cfg.Render()
		fmt.Printf("%v", string(renderedConfig))
		exitOnErrors([]error{err, errRender})
		os.Exit(0)
	}
	exitOnError(err)

	logFile, err := os.OpenFile(*cfg.LogFileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	exitOnError(err)
	logger := slog.New(slog.NewJSONHandler(logFile, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, command, flags, cfg, logger, os.Stdout)
	stop()
	if closeErr := logFile.Close(); closeErr != nil {
		fmt.Println(closeErr)
	}
	exitOnError(err)
}

func run(ctx context.Context, command cli.Command, flags cli.Flags, cfg config.Config, logger *slog.Logger, out io.Writer) error {
	store, err := registry.OpenSQLite(*cfg.DatabaseFileName)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("unable to close database", slog.Any("error", err))
		}
	}()

	// vendor lookups are only needed when scanning
	var resolver *oui.Resolver
	if (command == cli.Monitor || command == cli.Scan) && *cfg.VendorConfig.Enabled {
		resolver, err = newResolver(cfg)
		if err != nil {
			return err
		}
		defer saveVendorState(resolver, *cfg.VendorConfig.CacheFile, logger)
	}

	reg, err := newRegistry(ctx, cfg, store, resolver, logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	switch command {
	case cli.List:
		return printDevices(out, reg.GetState())
	case cli.Rename:
		ref, name, err := cli.ParseRename(*flags.Name)
		if err != nil {
			return err
		}
		d, err := reg.SetCustomName(ctx, ref, name)
		if err != nil {
			return err
		}
		return printDevices(out, []device.Device{d})
	case cli.Watch, cli.Unwatch:
		ref := *flags.Watch
		if command == cli.Unwatch {
			ref = *flags.Unwatch
		}
		d, err := reg.SetWatched(ctx, ref, command == cli.Watch)
		if err != nil {
			return err
		}
		return printDevices(out, []device.Device{d})
	case cli.Scan:
		return scanOnce(ctx, cfg, reg, logger, out)
	default:
		return monitor(ctx, cfg, reg, logger)
	}
}

func newResolver(cfg config.Config) (*oui.Resolver, error) {
	vendorCfg := cfg.VendorConfig
	timeout := time.Duration(*vendorCfg.RequestTimeoutMs) * time.Millisecond
	resolver := oui.NewResolver(oui.NewMacVendorsClient(*vendorCfg.Url, timeout), oui.Options{
		PositiveTTL:    time.Duration(*vendorCfg.PositiveTtlHours) * time.Hour,
		NegativeTTL:    time.Duration(*vendorCfg.NegativeTtlHours) * time.Hour,
		RequestTimeout: timeout,
		RequestsPerSec: *vendorCfg.RequestsPerSec,
	})

	stateBytes, err := os.ReadFile(*vendorCfg.CacheFile)
	if errors.Is(err, os.ErrNotExist) {
		return resolver, nil
	} else if err != nil {
		return nil, err
	}
	if errs := state.ValidateState(stateBytes); len(errs) != 0 {
		return nil, fmt.Errorf("vendor cache file %v: %w", *vendorCfg.CacheFile, errors.Join(errs...))
	}
	vendorState, err := state.FromJson(stateBytes)
	if err != nil {
		return nil, err
	}
	resolver.LoadVendorState(vendorState)
	return resolver, nil
}

func saveVendorState(resolver *oui.Resolver, fileName string, logger *slog.Logger) {
	vendorState := resolver.VendorState()
	stateBytes, err := vendorState.ToJson()
	if err == nil {
		err = os.WriteFile(fileName, stateBytes, 0644)
	}
	if err != nil {
		logger.Error("unable to save vendor cache", slog.String("file", fileName), slog.Any("error", err))
	}
}

func newRegistry(ctx context.Context, cfg config.Config, store registry.Store, resolver *oui.Resolver, logger *slog.Logger) (*registry.Registry, error) {
	// a nil *oui.Resolver must not end up in a non-nil interface
	var vendorResolver registry.VendorResolver
	if resolver != nil {
		vendorResolver = resolver
	}

	watch := cfg.AlertsConfig.Watch
	reg, err := registry.New(ctx, store, vendorResolver, logger, registry.Options{
		ResolveConcurrency: int(*cfg.VendorConfig.Concurrency),
		Watch:              watch,
	})
	if err != nil {
		return nil, err
	}

	for _, mac := range watch {
		d, err := reg.Lookup(mac)
		if err != nil || d.Watched {
			continue
		}
		if _, err = reg.SetWatched(ctx, mac, true); err != nil {
			reg.Close()
			return nil, err
		}
	}
	return reg, nil
}

func newScanner(cfg config.Config, logger *slog.Logger) (*scanner.Sweeper, error) {
	scanCfg := cfg.ScanConfig
	target, err := scanner.ResolveTarget(*cfg.IfaceName, *cfg.Segment)
	if err != nil {
		return nil, err
	}
	open, err := scanner.Opener(*scanCfg.Backend)
	if err != nil {
		return nil, err
	}

	var excludeIPs, excludeMACs, excludePairs map[string]struct{}
	if excludeIPs, err = readExcludeFile(scanCfg.ExcludeConfig.IpFile, scanner.ReadIPs); err != nil {
		return nil, err
	}
	if excludeMACs, err = readExcludeFile(scanCfg.ExcludeConfig.MacFile, scanner.ReadMACs); err != nil {
		return nil, err
	}
	if excludePairs, err = readExcludeFile(scanCfg.ExcludeConfig.IpMacFile, scanner.ReadPairs); err != nil {
		return nil, err
	}

	opts := scanner.Options{
		ProbeTimeout: time.Duration(*scanCfg.ProbeTimeoutMs) * time.Millisecond,
		ProbeRetries: int(*scanCfg.ProbeRetries),
	}
	if *scanCfg.Mdns {
		opts.Hostnames = scanner.MDNSLookup(mdnsWindow)
	}
	filter := scanner.NewFilter(excludeIPs, excludeMACs, excludePairs)
	return scanner.NewSweeper(target, open, filter, opts, logger), nil
}

func readExcludeFile(fileName *string, read func(io.Reader) (map[string]struct{}, error)) (map[string]struct{}, error) {
	if fileName == nil {
		return nil, nil
	}
	file, err := os.Open(*fileName)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return read(file)
}

func newDispatcher(cfg config.Config, reg *registry.Registry, alerts chan<- event.Alert, logger *slog.Logger) (*event.Dispatcher, error) {
	alertsCfg := cfg.AlertsConfig
	notifiers := []event.Notifier{event.NewLogNotifier(logger)}
	if *alertsCfg.Files {
		notifiers = append(notifiers, event.NewFileNotifier(*alertsCfg.Directory))
	}
	if len(alertsCfg.Command) > 0 {
		commandNotifier, err := event.NewCommandNotifier(alertsCfg.Command)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, commandNotifier)
	}
	if alerts != nil {
		notifiers = append(notifiers, event.NewChannelNotifier(alerts))
	}

	opts := event.DispatcherOptions{AlertOnNewDevices: *alertsCfg.NewDevices}
	return event.NewDispatcher(opts, reg.OtherIps, logger, notifiers...), nil
}

func scanOnce(ctx context.Context, cfg config.Config, reg *registry.Registry, logger *slog.Logger, out io.Writer) error {
	sweeper, err := newScanner(cfg, logger)
	if err != nil {
		return err
	}
	detector, err := event.NewDetector(int(*cfg.ScanConfig.GracePeriod))
	if err != nil {
		return err
	}

	sched := scheduler.New(sweeper, detector, reg, nil, scheduler.Options{}, logger)
	result, err := sched.RunOnce(ctx)
	if err != nil {
		return err
	}

	connected := connectedDevices(result.State)
	macs := make([]string, 0, len(connected))
	for _, d := range connected {
		macs = append(macs, d.MAC)
	}
	resolveCtx, cancel := context.WithTimeout(ctx, oneShotTimeout)
	defer cancel()
	if err = reg.ResolveVendors(resolveCtx, macs); err != nil {
		logger.Warn("vendor resolution incomplete", slog.Any("error", err))
	}
	return printDevices(out, connectedDevices(reg.GetState()))
}

func monitor(ctx context.Context, cfg config.Config, reg *registry.Registry, logger *slog.Logger) error {
	sweeper, err := newScanner(cfg, logger)
	if err != nil {
		return err
	}
	detector, err := event.NewDetector(int(*cfg.ScanConfig.GracePeriod))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var alerts chan event.Alert
	if *cfg.Ui {
		alerts = make(chan event.Alert, 16)
	}
	dispatcher, err := newDispatcher(cfg, reg, alerts, logger)
	if err != nil {
		return err
	}
	dispatcher.Start()
	defer dispatcher.Stop()

	if delay := *cfg.AlertsConfig.AutoCleanupDelaySec; delay > 0 {
		janitor, err := event.NewJanitor(logger, *cfg.AlertsConfig.Directory, delay)
		if err != nil {
			return err
		}
		janitor.Start(ctx)
	}

	var sched *scheduler.Scheduler
	var uiApp *UIApp
	opts := scheduler.Options{Interval: time.Duration(*cfg.ScanConfig.IntervalSec) * time.Second}
	if *cfg.Ui {
		uiApp = newUIApp(reg, func() bool { return sched.Trigger() }, logger)
		opts.OnCycle = func(result scheduler.CycleResult) {
			uiApp.refresh(result.State)
		}
	}
	sched = scheduler.New(sweeper, detector, reg, dispatcher, opts, logger)

	target := sweeper.Target()
	logger.Info("monitoring started",
		slog.String("interface", target.Interface.Name),
		slog.String("segment", target.Segment.String()),
		slog.Duration("interval", opts.Interval),
	)

	if uiApp != nil {
		go uiApp.showAlerts(ctx, alerts)
		go func() {
			if err := loadUI(ctx, uiApp, target.Interface.Name, target.Segment.String(), cancel); err != nil {
				logger.Error("unable to load the UI", slog.Any("error", err))
			}
		}()
		go func() {
			<-ctx.Done()
			uiApp.app.Stop()
		}()
	}

	sched.Start(ctx)

	status := sched.Status()
	logger.Info("monitoring stopped",
		slog.Int64("cycles", status.Cycles),
		slog.Int64("skipped", status.Skipped),
		slog.Int64("failures", status.Failures),
		slog.Int64("alerts", dispatcher.Delivered()),
	)
	return nil
}

func exitOnError(err error) {
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func exitOnErrors(errs []error) {
	if err := errors.Join(errs...); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
