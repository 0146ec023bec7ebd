package site

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Load reads the sites file, applies defaults and validates it.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	settings, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid sites file %s: %w", path, err)
	}

	for _, c := range settings.Sites {
		slog.Debug("Site configuration loaded", "site", c.ID, "variant", c.Variant, "enabled", c.IsEnabled(), "rate_limit", c.RateLimit().String())
	}
	return settings, nil
}

func Parse(data []byte) (*Settings, error) {
	var settings Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	setDefaults(&settings)

	if err := validateSettings(&settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

func setDefaults(s *Settings) {
	if s.CycleInterval <= 0 {
		s.CycleInterval = DefaultCycleInterval
	}
	if s.MaxConcurrency == 0 {
		s.MaxConcurrency = DefaultMaxConcurrency
	}
	if s.MaxPages == 0 {
		s.MaxPages = DefaultMaxPages
	}

	for i := range s.Sites {
		c := &s.Sites[i]
		c.ID = strings.TrimSpace(c.ID)
		c.Variant = strings.TrimSpace(c.Variant)
		if c.MaxPages == 0 {
			c.MaxPages = s.MaxPages
		}
		if c.TimeoutSeconds == 0 {
			c.TimeoutSeconds = DefaultTimeout
		}
		if c.MaxDetails == 0 {
			c.MaxDetails = DefaultMaxDetails
		}
	}
}

func validateSettings(s *Settings) error {
	if len(s.Sites) == 0 {
		return fmt.Errorf("at least one site is required")
	}

	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	for _, c := range s.Sites {
		if c.Timezone != "" {
			if _, err := time.LoadLocation(c.Timezone); err != nil {
				return fmt.Errorf("site %s: invalid timezone %q: %w", c.ID, c.Timezone, err)
			}
		}
		if c.Schedule != "" {
			if _, err := cron.ParseStandard(c.Schedule); err != nil {
				return fmt.Errorf("site %s: invalid schedule %q: %w", c.ID, c.Schedule, err)
			}
		}
		if c.PageURLTemplate != "" && !strings.Contains(c.PageURLTemplate, PagePlaceholder) {
			return fmt.Errorf("site %s: page_url_template must contain %s", c.ID, PagePlaceholder)
		}
	}
	return nil
}

// PagePlaceholder is replaced by the page number in page_url_template.
const PagePlaceholder = "{page}"
