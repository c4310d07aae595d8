package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Config holds all application configuration
type Config struct {
	Port              string        // HTTP port
	DataDir           string        // Data directory root
	EnvironmentsDir   string        // Environment records and rendered artifacts
	DBPath            string        // SQLite database for lifecycle history
	ComposeBin        []string      // Compose CLI, e.g. ["docker", "compose"]
	DockerSocket      string        // Docker Engine API socket
	CommandTimeout    time.Duration // Bound for every orchestration command
	Elevation         []string      // Privilege elevation prefix, e.g. ["sudo", "-S"]
	ElevationPassword string        // Fed to the elevation command on stdin; env only
	HostPortBase      int           // First published host port, 0 = Docker assigns
	WebDir            string        // Optional static frontend
	LogLevel          string
	LogFormat         string
}

// Load reads configuration from DAD_* environment variables, then applies
// command-line flags from args on top. The elevation password is never taken
// from the command line.
func Load(args []string, usage io.Writer) (*Config, error) {
	timeout, err := envDuration("DAD_COMMAND_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	portBase, err := envInt("DAD_HOST_PORT_BASE", 0)
	if err != nil {
		return nil, err
	}

	var composeBin, elevation string
	cfg := &Config{ElevationPassword: os.Getenv("DAD_ELEVATION_PASSWORD")}

	fs := pflag.NewFlagSet("dad", pflag.ContinueOnError)
	fs.SetOutput(usage)
	fs.StringVar(&cfg.Port, "port", envOrDefault("DAD_PORT", "5000"), "HTTP listen port")
	fs.StringVar(&cfg.DataDir, "data-dir", envOrDefault("DAD_DATA_DIR", "./data"), "data directory root")
	fs.StringVar(&cfg.EnvironmentsDir, "environments-dir", os.Getenv("DAD_ENVIRONMENTS_DIR"), "environment records directory (default <data-dir>/environments)")
	fs.StringVar(&cfg.DBPath, "db-path", os.Getenv("DAD_DB_PATH"), "SQLite history database (default <data-dir>/dad.db)")
	fs.StringVar(&composeBin, "compose-bin", envOrDefault("DAD_COMPOSE_BIN", "docker compose"), "compose command")
	fs.StringVar(&cfg.DockerSocket, "docker-socket", envOrDefault("DAD_DOCKER_SOCKET", "/var/run/docker.sock"), "Docker Engine API socket")
	fs.DurationVar(&cfg.CommandTimeout, "command-timeout", timeout, "deadline for each orchestration command")
	fs.StringVar(&elevation, "elevation", os.Getenv("DAD_ELEVATION"), `privilege elevation prefix, e.g. "sudo -S"`)
	fs.IntVar(&cfg.HostPortBase, "host-port-base", portBase, "first published host port (0 lets Docker choose)")
	fs.StringVar(&cfg.WebDir, "web-dir", os.Getenv("DAD_WEB_DIR"), "static frontend directory")
	fs.StringVar(&cfg.LogLevel, "log-level", envOrDefault("DAD_LOG_LEVEL", "info"), "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", envOrDefault("DAD_LOG_FORMAT", "text"), "text or json")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if cfg.EnvironmentsDir == "" {
		cfg.EnvironmentsDir = filepath.Join(cfg.DataDir, "environments")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "dad.db")
	}
	cfg.ComposeBin = strings.Fields(composeBin)
	if len(cfg.ComposeBin) == 0 {
		return nil, fmt.Errorf("compose command is empty")
	}
	cfg.Elevation = strings.Fields(elevation)
	if cfg.CommandTimeout <= 0 {
		return nil, fmt.Errorf("command timeout must be positive, got %s", cfg.CommandTimeout)
	}
	if cfg.HostPortBase < 0 || cfg.HostPortBase > 65534 {
		return nil, fmt.Errorf("host port base out of range: %d", cfg.HostPortBase)
	}
	return cfg, nil
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
