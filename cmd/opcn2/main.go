// Command opcn2 samples an Alphasense OPC-N2 and manages its configuration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/waggle-sensor/opcn2/internal/config"
	"github.com/waggle-sensor/opcn2/internal/db"
	"github.com/waggle-sensor/opcn2/internal/monitoring"
	"github.com/waggle-sensor/opcn2/internal/opcsim"
	"github.com/waggle-sensor/opcn2/internal/session"
	"github.com/waggle-sensor/opcn2/internal/timeutil"
	"github.com/waggle-sensor/opcn2/internal/transport"
	"github.com/waggle-sensor/opcn2/internal/version"
)

// cli holds the process-level dependencies, swapped out in tests.
type cli struct {
	stdout io.Writer
	stderr io.Writer
	clock  timeutil.Clock
	// sleep waits for d or until ctx is done.
	sleep     func(ctx context.Context, d time.Duration) error
	newDevice func(clock timeutil.Clock) transport.Transport
	listPorts func() ([]transport.PortInfo, error)
}

func newCLI() *cli {
	return &cli{
		stdout: os.Stdout,
		stderr: os.Stderr,
		clock:  timeutil.RealClock{},
		sleep:  sleepContext,
		newDevice: func(clock timeutil.Clock) transport.Transport {
			return opcsim.New(opcsim.Options{Clock: clock, Seed: uint64(clock.Now().UnixNano())})
		},
		listPorts: transport.ListPorts,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCLI().run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "opcn2: %v\n", err)
		os.Exit(1)
	}
}

func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) < 1 {
		c.printUsage()
		return errors.New("no command given")
	}

	command, rest := args[0], args[1:]
	switch command {
	case "sample":
		return c.handleSample(ctx, rest)
	case "firmware":
		return c.handleFirmware(ctx, rest)
	case "config":
		return c.handleConfig(ctx, rest)
	case "ports":
		return c.handlePorts(rest)
	case "version":
		fmt.Fprintln(c.stdout, version.String())
		return nil
	case "help", "-h", "--help":
		c.printUsage()
		return nil
	default:
		c.printUsage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

func (c *cli) printUsage() {
	fmt.Fprintln(c.stderr, `opcn2 - Alphasense OPC-N2 host driver

Usage: opcn2 <command> [options]

Commands:
  sample      Power on, run the fan and laser and print one histogram per window
  firmware    Print the firmware identification string
  config      Manage the device configuration block
                dump | write | restore | snapshots
  ports       Manage saved port profiles
                list | add | rm
  version     Show opcn2 version
  help        Show this help message

Common Flags:
  --config <file>     Driver configuration (.json, .yaml or .yml)
  --port <path>       Device path, overrides the configuration
  --transport <kind>  usbiss or serial
  --profile <name>    Use a saved port profile
  --db <path>         sqlite database for profiles and snapshots
  --dev               Talk to a simulated device
  --log-level <lvl>   debug, info, warn or error

Examples:
  opcn2 sample --port /dev/ttyACM0 --window 10s
  opcn2 sample --dev --count 3
  opcn2 config dump --profile roof
  opcn2 config restore --profile roof --id 12`)
}

// commonFlags are accepted by every command that talks to a device.
type commonFlags struct {
	configPath string
	port       string
	transport  string
	profile    string
	dbPath     string
	dev        bool
	logLevel   string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	f := &commonFlags{}
	fs.StringVar(&f.configPath, "config", "", "Driver configuration file")
	fs.StringVar(&f.port, "port", "", "Device path (overrides config)")
	fs.StringVar(&f.transport, "transport", "", "Transport: usbiss or serial (overrides config)")
	fs.StringVar(&f.profile, "profile", "", "Saved port profile name")
	fs.StringVar(&f.dbPath, "db", "", "sqlite database path (overrides config)")
	fs.BoolVar(&f.dev, "dev", false, "Use a simulated device")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level (overrides config)")
	return f
}

func (c *cli) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

// parse parses args and treats -h as success.
func parse(fs *flag.FlagSet, args []string) (help bool, err error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// loadConfig reads the configuration file and applies flag overrides.
func (f *commonFlags) loadConfig() (*config.DriverConfig, error) {
	cfg := &config.DriverConfig{}
	if f.configPath != "" {
		var err error
		if cfg, err = config.LoadDriverConfig(f.configPath); err != nil {
			return nil, err
		}
	}
	if f.port != "" {
		cfg.Port = &f.port
	}
	if f.transport != "" {
		cfg.Transport = &f.transport
	}
	if f.dbPath != "" {
		cfg.Database = &f.dbPath
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyProfile copies a saved port profile into cfg.
func applyProfile(cfg *config.DriverConfig, p *db.SensorPort) {
	path, kind := p.PortPath, p.Transport
	serial := p.PortOptions()
	freq := p.SPIFrequencyHz
	cfg.Port = &path
	cfg.Transport = &kind
	cfg.Serial = &serial
	cfg.SPIFrequencyHz = &freq
}

// deviceEnv is everything a device command needs, released by close.
type deviceEnv struct {
	cfg     *config.DriverConfig
	session *session.Session
	store   *db.DB
	sync    func() error
}

func (e *deviceEnv) close() error {
	var errs []error
	if e.session != nil {
		errs = append(errs, e.session.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	if e.sync != nil {
		_ = e.sync()
	}
	return errors.Join(errs...)
}

func (c *cli) setupLogging(cfg *config.DriverConfig) (func() error, error) {
	logger, err := monitoring.NewLogger(cfg.Log, c.stderr)
	if err != nil {
		return nil, err
	}
	monitoring.UseZap(logger)
	return logger.Sync, nil
}

func (c *cli) openStore(cfg *config.DriverConfig) (*db.DB, error) {
	store, err := db.NewDB(cfg.GetDatabase())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

type openOptions struct {
	store bool
	// skipFirmwareCheck lets PowerOn succeed on firmware outside the
	// command set, for commands that only identify the device.
	skipFirmwareCheck bool
}

// openDevice loads configuration, resolves the profile, opens the store when
// needed and wraps the transport in a session.
func (c *cli) openDevice(f *commonFlags, o openOptions) (env *deviceEnv, err error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	env = &deviceEnv{cfg: cfg}
	defer func() {
		if err != nil {
			_ = env.close()
			env = nil
		}
	}()

	if env.sync, err = c.setupLogging(cfg); err != nil {
		return env, err
	}

	if o.store || f.profile != "" {
		if env.store, err = c.openStore(cfg); err != nil {
			return env, err
		}
	}
	if f.profile != "" {
		p, err := env.store.GetSensorPortByName(f.profile)
		if err != nil {
			return env, err
		}
		if p == nil {
			return env, fmt.Errorf("no port profile named %q", f.profile)
		}
		applyProfile(cfg, p)
	}

	var tr transport.Transport
	if f.dev {
		tr = c.newDevice(c.clock)
		monitoring.Logf("using simulated OPC-N2 for %s", cfg.GetPort())
	} else if tr, err = cfg.OpenTransport(); err != nil {
		return env, err
	}

	sc, err := cfg.SessionConfig()
	if err != nil {
		tr.Close()
		return env, err
	}
	sc.Clock = c.clock
	if o.skipFirmwareCheck {
		sc.VerifyFirmware = false
	}
	if env.session, err = session.Open(tr, sc); err != nil {
		tr.Close()
		return env, err
	}
	return env, nil
}
