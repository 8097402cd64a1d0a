// Command rti is the runtime infrastructure for a federation: it grants
// tag advances to federates, relays their messages and negotiates a
// common stop tag.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/daviddao/tagrti/pkg/config"
)

const version = "1.0.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			printUsage()
			return
		case "--version", "-v", "version":
			fmt.Println("rti", version)
			return
		case "journal":
			os.Exit(cmdJournal(os.Args[2:]))
		case "runs":
			os.Exit(cmdRuns(os.Args[2:]))
		}
	}

	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "rti: %v\n", err)
		printUsage()
		os.Exit(1)
	}
	os.Exit(serve(opts))
}

// options are the command-line settings. Unset pointers leave the
// configured value alone.
type options struct {
	configPath   string
	federationID *string
	numFederates *int
	port         *int
	clockSync    *string
	period       *time.Duration
	exchanges    *int
	tracing      bool
	journalPath  string
	metricsAddr  *string
}

var errAuthUnsupported = errors.New("--auth is not supported by this RTI")

// parseArgs reads the RTI command line. It accepts the flags of the
// standard RTI, including the free-form clock sync list:
//
//	-c on period 5000000 exchanges-per-interval 10
func parseArgs(args []string) (*options, error) {
	o := &options{}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		next := func(what string) (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s needs %s", arg, what)
			}
			i++
			return args[i], nil
		}
		switch arg {
		case "-i", "--id":
			v, err := next("a string argument")
			if err != nil {
				return nil, err
			}
			o.federationID = &v
		case "-n", "--number_of_federates":
			v, err := next("an integer argument")
			if err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("%s needs a valid positive integer argument, got %q", arg, v)
			}
			o.numFederates = &n
		case "-p", "--port":
			v, err := next("a port argument")
			if err != nil {
				return nil, err
			}
			p, err := strconv.Atoi(v)
			if err != nil || p <= 0 || p >= 65535 {
				return nil, fmt.Errorf("%s needs an integer in (0, 65535), got %q", arg, v)
			}
			o.port = &p
		case "-c", "--clock_sync":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s needs off|init|on", arg)
			}
			n, err := o.parseClockSync(args[i+1:])
			if err != nil {
				return nil, err
			}
			i += n
		case "-a", "--auth":
			return nil, errAuthUnsupported
		case "-t", "--tracing":
			o.tracing = true
		case "--config":
			v, err := next("a path")
			if err != nil {
				return nil, err
			}
			o.configPath = v
		case "--journal":
			v, err := next("a path")
			if err != nil {
				return nil, err
			}
			o.journalPath = v
			o.tracing = true
		case "--metrics-addr":
			v, err := next("an address")
			if err != nil {
				return nil, err
			}
			o.metricsAddr = &v
		case " ", "":
		default:
			return nil, fmt.Errorf("unrecognized argument %q", arg)
		}
	}
	return o, nil
}

// parseClockSync consumes clock sync words from args and returns how many
// it used. It stops at the first word it does not recognize.
func (o *options) parseClockSync(args []string) (int, error) {
	mode := ""
	i := 0
	for ; i < len(args); i++ {
		switch args[i] {
		case "off":
			mode = config.ClockSyncOff
		case "init", "initial":
			mode = config.ClockSyncInit
		case "on":
			mode = config.ClockSyncOn
		case "period":
			if mode != config.ClockSyncOn {
				return 0, errors.New("clock sync period can only be set when clock sync is on")
			}
			if i+1 >= len(args) {
				return 0, errors.New("clock sync period needs a time in nanoseconds")
			}
			i++
			ns, err := strconv.ParseInt(args[i], 10, 64)
			if err != nil || ns <= 0 {
				return 0, fmt.Errorf("invalid clock sync period %q", args[i])
			}
			d := time.Duration(ns)
			o.period = &d
		case "exchanges-per-interval":
			if mode != config.ClockSyncOn && mode != config.ClockSyncInit {
				return 0, errors.New("exchanges-per-interval can only be set when clock sync is init or on")
			}
			if i+1 >= len(args) {
				return 0, errors.New("exchanges-per-interval needs an integer")
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid exchanges-per-interval %q", args[i])
			}
			o.exchanges = &n
		case " ":
		default:
			if mode == "" {
				return 0, fmt.Errorf("clock sync needs off|init|on, got %q", args[i])
			}
			return i, nil
		}
	}
	if mode == "" {
		return 0, errors.New("clock sync needs off|init|on")
	}
	o.clockSync = &mode
	return i, nil
}

// apply overrides cfg with whatever was given on the command line.
func (o *options) apply(cfg *config.Config) {
	if o.federationID != nil {
		cfg.Federation.ID = *o.federationID
	}
	if o.numFederates != nil {
		cfg.Federation.NumFederates = *o.numFederates
	}
	if o.port != nil {
		cfg.Server.Port = *o.port
	}
	if o.clockSync != nil {
		cfg.ClockSync.Mode = *o.clockSync
	}
	if o.period != nil {
		cfg.ClockSync.Period = *o.period
	}
	if o.exchanges != nil {
		cfg.ClockSync.ExchangesPerInterval = *o.exchanges
	}
	if o.tracing {
		cfg.Journal.Enabled = true
	}
	if o.journalPath != "" {
		cfg.Journal.Path = o.journalPath
	}
	if o.metricsAddr != nil {
		cfg.Metrics.Addr = *o.metricsAddr
	}
}

// loadConfig layers defaults, the config file, the environment and the
// command line, then validates the result.
func loadConfig(o *options) (*config.Config, error) {
	cfg, err := config.NewLoader().WithConfigPath(o.configPath).Load()
	if err != nil {
		return nil, err
	}
	o.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printUsage() {
	fmt.Fprint(os.Stderr, `rti: runtime infrastructure for a federation

Usage:
  rti [flags]                 Coordinate a federation
  rti journal [flags]         Query the coordination journal of a run
  rti runs [flags]            List recorded runs

Flags:
  -i, --id <id>               Federation ID federates must present
  -n, --number_of_federates <n>
                              Number of federates (required)
  -p, --port <n>              TCP port, in (0, 65535). Default: first free
                              port from 15045
  -c, --clock_sync [off|init|on] [period <ns>] [exchanges-per-interval <n>]
                              Clock synchronization (default init)
  -t, --tracing               Record coordination decisions in the journal
  -a, --auth                  Not supported
      --config <path>         YAML configuration file
      --journal <path>        Journal database (implies --tracing)
      --metrics-addr <addr>   Serve Prometheus metrics on addr

Environment:
  RTI_<SECTION>_<FIELD>       Override any configuration field, e.g.
                              RTI_SERVER_PORT=15045, RTI_LOG_LEVEL=debug
  RTI_JOURNAL_PATH            Journal database for 'journal' and 'runs'

Exit codes:
  0  all federates finished
  1  error
`)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "rti: "+format+"\n", args...)
	os.Exit(1)
}
