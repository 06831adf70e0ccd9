package cli

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dmdmdm-nz/netchanged/pkg/version"
)

// Config holds the application configuration from CLI flags
type Config struct {
	Port        int
	Host        string
	LogLevel    string
	LogFile     string
	SettleDelay time.Duration
	RecvBuffer  int
}

// ParseFlags parses command line arguments and returns a Config
func ParseFlags() *Config {
	cfg, showVersion, err := parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	if showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	return cfg
}

func parse(fs *flag.FlagSet, args []string) (*Config, bool, error) {
	cfg := &Config{}

	fs.IntVar(&cfg.Port, "port", 60106, "Port to listen on")
	fs.StringVar(&cfg.Host, "host", "127.0.0.1", "Host to bind to")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&cfg.LogFile, "log-file", "", "Write logs to this file, rotated, instead of stderr")
	fs.DurationVar(&cfg.SettleDelay, "settle", 250*time.Millisecond, "Quiet period after a change before network state is re-read")
	fs.IntVar(&cfg.RecvBuffer, "recv-buffer", 32*1024, "Netlink receive buffer size in bytes")
	showVersion := fs.Bool("version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if cfg.RecvBuffer <= 0 {
		err := fmt.Errorf("-recv-buffer must be positive, got %d", cfg.RecvBuffer)
		fmt.Fprintln(fs.Output(), err)
		return nil, false, err
	}
	return cfg, *showVersion, nil
}

// String returns a string representation of the Config
func (c *Config) String() string {
	return fmt.Sprintf("Host: %s, Port: %d, LogLevel: %s, LogFile: %q, Settle: %s, RecvBuffer: %d",
		c.Host, c.Port, c.LogLevel, c.LogFile, c.SettleDelay, c.RecvBuffer)
}
