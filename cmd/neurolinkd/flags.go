package main

import (
	"errors"
	"flag"
	"os"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

// cliConfig holds user-supplied flag values prior to translation into
// Session/Controller wiring, so main.go can validate and map.
type cliConfig struct {
	configPath  string
	port        string
	baud        uint
	logLevel    string
	metricsAddr string
	showVersion bool
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("neurolinkd", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	fs.StringVar(&cfg.configPath, "config", "", "Path to a YAML config file (optional; flags override its values)")
	fs.StringVar(&cfg.port, "port", "", "Serial port device path (e.g. /dev/ttyUSB0)")
	fs.UintVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.StringVar(&cfg.logLevel, "log.level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", ":9090", "Address the Prometheus endpoint listens on")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.showVersion {
		return cfg, nil
	}

	if cfg.baud == 0 {
		return nil, errors.New("baud must be greater than zero")
	}

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, errors.New("invalid log.level: must be debug|info|warn|error")
	}

	return cfg, nil
}
