package cfg

type Cfg struct {
	// Storage configuration
	DBPath     string
	ArchiveDir string

	// Crawl configuration
	SitesFile   string
	UserAgent   string
	MaxAttempts int
	Once        bool

	// Application configuration
	Port         string
	BaseURL      string
	HTTPEnabled  bool
	APIAccessKey string
	LogDir       string

	// Application metadata
	Timezone string
	Debug    bool
	Version  string
}
