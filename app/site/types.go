package site

import (
	"time"

	"github.com/lysyi3m/examwatch/app/extract"
)

const (
	DefaultCycleInterval  = 30 * time.Minute
	DefaultMaxConcurrency = 4
	DefaultMaxPages       = 3
	DefaultTimeout        = 300 // seconds
	DefaultRequestTimeout = 30  // seconds
	DefaultMaxDetails     = 10
)

// Settings is the resolved content of the sites file. It is built once at
// startup and never mutated afterwards.
type Settings struct {
	CycleInterval  time.Duration `yaml:"cycle_interval"`
	Schedule       string        `yaml:"schedule"`
	MaxConcurrency int           `yaml:"max_concurrency" validate:"gte=0"`
	MaxPages       int           `yaml:"max_pages" validate:"gte=0"`
	RunOnStart     *bool         `yaml:"run_on_start"`
	Sites          []Config      `yaml:"sites" validate:"unique=ID,dive"`
}

// Config describes one crawled site. Schedule, when set, also crawls the
// site alone on that cron spec; RequestTimeoutSeconds bounds each fetch
// attempt.
type Config struct {
	ID                    string            `yaml:"site_id" validate:"required,max=64"`
	Name                  string            `yaml:"name"`
	EntryURL              string            `yaml:"entry_url" validate:"required,http_url"`
	Variant               string            `yaml:"crawler_variant" validate:"required"`
	RateLimitSeconds      float64           `yaml:"rate_limit_seconds" validate:"gte=0"`
	Enabled               *bool             `yaml:"enabled"`
	TimeoutSeconds        int               `yaml:"timeout_seconds" validate:"gte=0"`
	RequestTimeoutSeconds float64           `yaml:"request_timeout_seconds" validate:"gte=0"`
	Schedule              string            `yaml:"schedule"`
	MaxPages              int               `yaml:"max_pages" validate:"gte=0"`
	Encoding              string            `yaml:"encoding"`
	Timezone              string            `yaml:"timezone"`
	Selectors             extract.Selectors `yaml:"selectors"`
	PageURLTemplate       string            `yaml:"page_url_template"`
	DateLayouts           []string          `yaml:"date_layouts"`
	FollowDetails         bool              `yaml:"follow_details"`
	MaxDetails            int               `yaml:"max_details" validate:"gte=0"`
}

func (c Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c Config) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

func (c Config) RateLimit() time.Duration {
	return time.Duration(c.RateLimitSeconds * float64(time.Second))
}

func (c Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultTimeout * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RequestTimeout is the per-attempt fetch timeout, never longer than the
// site deadline.
func (c Config) RequestTimeout() time.Duration {
	timeout := time.Duration(c.RequestTimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = DefaultRequestTimeout * time.Second
	}
	return min(timeout, c.Timeout())
}

// Location is the timezone listing dates are written in.
func (c Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func (s Settings) ShouldRunOnStart() bool {
	return s.RunOnStart == nil || *s.RunOnStart
}

// Enabled returns the enabled sites in file order.
func (s Settings) Enabled() []Config {
	enabled := make([]Config, 0, len(s.Sites))
	for _, c := range s.Sites {
		if c.IsEnabled() {
			enabled = append(enabled, c)
		}
	}
	return enabled
}

func (s Settings) Site(id string) (Config, bool) {
	for _, c := range s.Sites {
		if c.ID == id {
			return c, true
		}
	}
	return Config{}, false
}
