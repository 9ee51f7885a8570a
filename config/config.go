package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/ipastusi/lanmonitor/device"
	"github.com/ipastusi/lanmonitor/scanner"
	"golang.org/x/sys/unix"
)

type ExcludeConfig struct {
	IpFile    *string `yaml:"ipFile"`
	MacFile   *string `yaml:"macFile"`
	IpMacFile *string `yaml:"ipMacFile"`
}

type ScanConfig struct {
	Backend        *string        `yaml:"backend"`
	IntervalSec    *uint          `yaml:"intervalSec"`
	ProbeTimeoutMs *uint          `yaml:"probeTimeoutMs"`
	ProbeRetries   *uint          `yaml:"probeRetries"`
	GracePeriod    *uint          `yaml:"gracePeriod"`
	Mdns           *bool          `yaml:"mdns"`
	ExcludeConfig  *ExcludeConfig `yaml:"exclude"`
}

type VendorConfig struct {
	Enabled          *bool    `yaml:"enabled"`
	Url              *string  `yaml:"url"`
	CacheFile        *string  `yaml:"cacheFile"`
	RequestTimeoutMs *uint    `yaml:"requestTimeoutMs"`
	RequestsPerSec   *float64 `yaml:"requestsPerSec"`
	Concurrency      *uint    `yaml:"concurrency"`
	PositiveTtlHours *uint    `yaml:"positiveTtlHours"`
	NegativeTtlHours *uint    `yaml:"negativeTtlHours"`
}

type AlertsConfig struct {
	Directory           *string  `yaml:"directory"`
	AutoCleanupDelaySec *uint    `yaml:"autoCleanupDelaySec"`
	Files               *bool    `yaml:"files"`
	NewDevices          *bool    `yaml:"newDevices"`
	Command             []string `yaml:"command"`
	Watch               []string `yaml:"watch"`
}

type Config struct {
	IfaceName        *string       `yaml:"interface"`
	Segment          *string       `yaml:"segment"`
	LogFileName      *string       `yaml:"log"`
	DatabaseFileName *string       `yaml:"database"`
	Ui               *bool         `yaml:"ui"`
	ScanConfig       *ScanConfig   `yaml:"scan"`
	VendorConfig     *VendorConfig `yaml:"vendor"`
	AlertsConfig     *AlertsConfig `yaml:"alerts"`
}

// Overrides carries values given on the command line. Nil fields leave the file's value in place.
type Overrides struct {
	IfaceName        *string
	Segment          *string
	LogFileName      *string
	DatabaseFileName *string
}

func GetConfig(data []byte, overrides Overrides) (Config, error) {
	config, err := readConfig(data)
	if err != nil {
		return Config{}, err
	}
	config.applyOverrides(overrides)
	err = config.applyDefaults()
	if err != nil {
		return Config{}, err
	}
	err = config.validate()
	if err != nil {
		return Config{}, err
	}
	return config, nil
}

// Render returns the effective config as YAML.
func (cfg Config) Render() ([]byte, error) {
	return yaml.Marshal(cfg)
}

func readConfig(data []byte) (Config, error) {
	config := &Config{}
	err := yaml.UnmarshalWithOptions(data, config, yaml.Strict())
	if err != nil {
		return Config{}, err
	}
	return *config, nil
}

func (cfg *Config) applyOverrides(overrides Overrides) {
	if overrides.IfaceName != nil && *overrides.IfaceName != "" {
		cfg.IfaceName = overrides.IfaceName
	}
	if overrides.Segment != nil && *overrides.Segment != "" {
		cfg.Segment = overrides.Segment
	}
	if overrides.LogFileName != nil && *overrides.LogFileName != "" {
		cfg.LogFileName = overrides.LogFileName
	}
	if overrides.DatabaseFileName != nil && *overrides.DatabaseFileName != "" {
		cfg.DatabaseFileName = overrides.DatabaseFileName
	}
}

func (cfg *Config) applyDefaults() error {
	empty := ""
	defaultLog := "lanmonitor.log"
	defaultDatabase := "lanmonitor.db"
	defaultBackend := "arp"
	defaultUrl := "https://api.macvendors.com/"
	defaultCacheFile := "lanmonitor-vendors.json"
	defaultRequestsPerSec := 1.0
	yes := true
	no := false
	zero := uint(0)

	setDefault(&cfg.IfaceName, empty)
	setDefault(&cfg.Segment, empty)
	setDefault(&cfg.LogFileName, defaultLog)
	setDefault(&cfg.DatabaseFileName, defaultDatabase)
	setDefault(&cfg.Ui, yes)

	if cfg.ScanConfig == nil {
		cfg.ScanConfig = &ScanConfig{}
	}
	scan := cfg.ScanConfig
	setDefault(&scan.Backend, defaultBackend)
	setDefault(&scan.IntervalSec, 30)
	setDefault(&scan.ProbeTimeoutMs, 1500)
	setDefault(&scan.ProbeRetries, 2)
	setDefault(&scan.GracePeriod, 3)
	setDefault(&scan.Mdns, no)
	if scan.ExcludeConfig == nil {
		scan.ExcludeConfig = &ExcludeConfig{}
	}

	if cfg.VendorConfig == nil {
		cfg.VendorConfig = &VendorConfig{}
	}
	vendor := cfg.VendorConfig
	setDefault(&vendor.Enabled, yes)
	setDefault(&vendor.Url, defaultUrl)
	setDefault(&vendor.CacheFile, defaultCacheFile)
	setDefault(&vendor.RequestTimeoutMs, 5000)
	setDefault(&vendor.RequestsPerSec, defaultRequestsPerSec)
	setDefault(&vendor.Concurrency, 2)
	setDefault(&vendor.PositiveTtlHours, 720)
	setDefault(&vendor.NegativeTtlHours, 168)

	if cfg.AlertsConfig == nil {
		cfg.AlertsConfig = &AlertsConfig{}
	}
	alerts := cfg.AlertsConfig
	setDefault(&alerts.AutoCleanupDelaySec, zero)
	setDefault(&alerts.Files, no)
	setDefault(&alerts.NewDevices, yes)
	if alerts.Command == nil {
		alerts.Command = []string{}
	}
	if alerts.Watch == nil {
		alerts.Watch = []string{}
	}

	alertDirPath, err := alertDirPath(alerts.Directory)
	if err != nil {
		return err
	}
	alerts.Directory = &alertDirPath
	return nil
}

func setDefault[T any](field **T, value T) {
	if *field == nil {
		*field = &value
	}
}

func alertDirPath(alertDirSuffix *string) (string, error) {
	pwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	// tests run from within the package directory
	var step string
	if strings.HasSuffix(pwd, "/config") {
		step = ".."
	}

	var suffix string
	if alertDirSuffix != nil {
		suffix = *alertDirSuffix
	}
	if filepath.IsAbs(suffix) {
		return filepath.Clean(suffix), nil
	}

	return filepath.Abs(filepath.Join(pwd, step, suffix))
}

func (cfg *Config) validate() error {
	// an empty interface name means the first usable one
	if *cfg.IfaceName != "" {
		if _, err := net.InterfaceByName(*cfg.IfaceName); err != nil {
			return fmt.Errorf("invalid interface %v: %v", *cfg.IfaceName, err)
		}
	}
	if *cfg.Segment != "" {
		if _, err := scanner.ParseSegment(*cfg.Segment); err != nil {
			return err
		}
	}

	scan := cfg.ScanConfig
	if _, err := scanner.Opener(*scan.Backend); err != nil {
		return err
	}
	if *scan.IntervalSec == 0 {
		return fmt.Errorf("scan interval must be positive")
	}
	if *scan.ProbeTimeoutMs == 0 {
		return fmt.Errorf("probe timeout must be positive")
	}
	if *scan.GracePeriod < 1 {
		return fmt.Errorf("grace period must be at least 1")
	}

	excludeFiles := []*string{
		scan.ExcludeConfig.IpFile,
		scan.ExcludeConfig.MacFile,
		scan.ExcludeConfig.IpMacFile,
	}
	for _, excludeFile := range excludeFiles {
		if excludeFile != nil {
			if _, err := os.Stat(*excludeFile); err != nil {
				return fmt.Errorf("file does not exist: %v", *excludeFile)
			}
		}
	}

	vendor := cfg.VendorConfig
	if *vendor.Enabled {
		if *vendor.Url == "" {
			return fmt.Errorf("no vendor lookup URL provided")
		}
		if *vendor.RequestTimeoutMs == 0 {
			return fmt.Errorf("vendor request timeout must be positive")
		}
		if *vendor.RequestsPerSec < 0 {
			return fmt.Errorf("vendor requests per second must not be negative, got: %v", *vendor.RequestsPerSec)
		}
	}

	alerts := cfg.AlertsConfig
	if *alerts.Files || *alerts.AutoCleanupDelaySec > 0 {
		// we might want to make it work on Windows one day. today is not that day
		if unix.Access(*alerts.Directory, unix.W_OK) != nil {
			return fmt.Errorf("directory does not exist or is not writable: %v", *alerts.Directory)
		}
	}
	for i, mac := range alerts.Watch {
		normalized, err := device.NormalizeMAC(mac)
		if err != nil {
			return fmt.Errorf("invalid watched MAC address: %v", mac)
		}
		alerts.Watch[i] = normalized
	}

	return nil
}
