package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kstaniek/go-can-example/internal/discovery"
	"github.com/kstaniek/go-can-example/internal/hub"
)

const envPrefix = "CAN_EXAMPLE_"

type appConfig struct {
	backend         string
	iface           string
	ifPrefix        string
	netDev          string
	serialGlob      string
	baud            int
	serialReadTO    time.Duration
	rxTimeout       time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	tapListen       string
	tapMaxClients   int
	tapHandshakeTO  time.Duration
	hubBuffer       int
	hubPolicy       string
	mdnsEnable      bool
	mdnsName        string
	showVersion     bool
}

func newFlagSet(cfg *appConfig, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("can-example", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&cfg.backend, "backend", "socketcan", "CAN backend: socketcan|serial")
	fs.StringVar(&cfg.iface, "if", "", "Interface to bind at start (e.g. can0 or /dev/ttyUSB0); empty waits for 'bind'")
	fs.StringVar(&cfg.ifPrefix, "if-prefix", "can", "Name prefix used by 'list' for SocketCAN interfaces")
	fs.StringVar(&cfg.netDev, "netdev", discovery.DefaultNetDev, "Interface listing read by 'list'")
	fs.StringVar(&cfg.serialGlob, "serial-glob", "/dev/ttyUSB*", "Device glob used by 'list' for the serial backend")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial port read timeout")
	fs.DurationVar(&cfg.rxTimeout, "rx-timeout", 2*time.Second, "Receive poll timeout; bounds how long 'recv stop' takes")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "warn", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g. :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.StringVar(&cfg.tapListen, "tap-listen", "", "Cannelloni TCP tap listen address (e.g. :20000); empty disables")
	fs.IntVar(&cfg.tapMaxClients, "tap-max-clients", 0, "Maximum simultaneous tap clients (0 = unlimited)")
	fs.DurationVar(&cfg.tapHandshakeTO, "tap-handshake-timeout", 3*time.Second, "Tap client handshake timeout")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 512, "Per tap client queue (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Slow tap client policy: drop|kick")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the tap via mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default can-example-<hostname>)")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")
	return fs
}

// parseConfig parses args, then fills every flag not given on the command
// line from its CAN_EXAMPLE_* variable (flag wins), then validates.
func parseConfig(args []string, lookup func(string) (string, bool), out io.Writer) (*appConfig, error) {
	cfg := &appConfig{}
	fs := newFlagSet(cfg, out)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(fs, lookup); err != nil {
		return nil, err
	}
	if cfg.showVersion {
		return cfg, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

// envName maps a flag name to its variable: rx-timeout -> CAN_EXAMPLE_RX_TIMEOUT.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func applyEnvOverrides(fs *flag.FlagSet, lookup func(string) (string, bool)) error {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		v, ok := lookup(envName(f.Name))
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", envName(f.Name), err))
		}
	})
	return errors.Join(errs...)
}

// validate checks values and ranges only; devices and listeners are not touched.
func (c *appConfig) validate() error {
	switch c.backend {
	case "socketcan", "serial":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if _, err := hub.ParsePolicy(c.hubPolicy); err != nil {
		return err
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return errors.New("serial-read-timeout must be > 0")
	}
	if c.rxTimeout <= 0 {
		return errors.New("rx-timeout must be > 0")
	}
	if c.tapHandshakeTO <= 0 {
		return errors.New("tap-handshake-timeout must be > 0")
	}
	if c.tapMaxClients < 0 {
		return errors.New("tap-max-clients must be >= 0")
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	if c.mdnsEnable && c.tapListen == "" {
		return errors.New("mdns-enable requires tap-listen")
	}
	return nil
}

func osLookup(k string) (string, bool) { return os.LookupEnv(k) }
