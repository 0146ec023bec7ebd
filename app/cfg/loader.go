package cfg

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage configuration
	DBPath     string `long:"db-path" env:"DB_PATH" default:"./data/examwatch.db" description:"SQLite database file"`
	ArchiveDir string `long:"archive-dir" env:"ARCHIVE_DIR" description:"Directory for the JSON record archive (disabled when empty)"`

	// Crawl configuration
	SitesFile   string `long:"sites-file" env:"SITES_FILE" default:"./configs/sites.yml" description:"Site list (YAML)"`
	UserAgent   string `long:"user-agent" env:"USER_AGENT" default:"examwatch/1.0" description:"User agent string for HTTP requests"`
	MaxAttempts int    `long:"max-attempts" env:"MAX_ATTEMPTS" default:"3" description:"Fetch attempts per URL"`
	Once        bool   `long:"once" env:"RUN_ONCE" description:"Run one crawl cycle, print the report and exit"`

	// Application configuration
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	BaseURL      string `long:"base-url" env:"BASE_URL" description:"Public base URL for the service (e.g., https://watch.example.com)"`
	NoHTTP       bool   `long:"no-http" env:"NO_HTTP" description:"Do not start the HTTP server"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`
	LogDir       string `long:"log-dir" env:"LOG_DIR" default:"./logs" description:"Directory for log files (stdout only when empty)"`

	// Application metadata
	Timezone string `long:"timezone" env:"TZ" default:"Asia/Shanghai" description:"Timezone for timestamps (e.g., UTC, Asia/Shanghai)"`
	Debug    bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

// Load reads configuration from the command line and the environment. A
// .env file in the working directory, when present, seeds the environment.
func Load() (*Cfg, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg, err := Parse(os.Args[1:])
	if err != nil || cfg == nil {
		return nil, err
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	return cfg, nil
}

// Parse builds a Cfg from args and the environment. It returns nil, nil
// when help was requested.
func Parse(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if raw.MaxAttempts < 1 {
		return nil, fmt.Errorf("max-attempts must be at least 1, got %d", raw.MaxAttempts)
	}

	return &Cfg{
		DBPath:       raw.DBPath,
		ArchiveDir:   raw.ArchiveDir,
		SitesFile:    raw.SitesFile,
		UserAgent:    raw.UserAgent,
		MaxAttempts:  raw.MaxAttempts,
		Once:         raw.Once,
		Port:         raw.Port,
		BaseURL:      raw.BaseURL,
		HTTPEnabled:  !raw.NoHTTP,
		APIAccessKey: raw.APIAccessKey,
		LogDir:       raw.LogDir,
		Timezone:     raw.Timezone,
		Debug:        raw.Debug,
		Version:      GetVersion(),
	}, nil
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
			fmt.Printf("Timezone configured: %s\n", timezone)
		}
	}
	return nil
}
