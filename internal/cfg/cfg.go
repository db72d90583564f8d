package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"
)

// Ledger backends.
const (
	LedgerSheets   = "sheets"
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

const (
	maxCompanies      = 10000
	maxLookbackDays   = 3650
	maxRunTimeoutSecs = 3600
)

// Config adds sync-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	TheirStackAPIKey  string
	TheirStackBaseURL string
	TheirStackRPS     float64
	Technology        string
	LookbackDays      int
	MaxCompanies      int

	ApolloAPIKey  string
	ApolloBaseURL string
	ApolloListID  string

	Ledger                   string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string
	GoogleSheetID            string
	GoogleSheetName          string
	DatabaseURL              string

	SlackWebhookURL   string
	PushgatewayURL    string
	DryRun            bool
	RunTimeoutSeconds int
	ConfigFile        string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.TheirStackAPIKey, "theirstack-api-key", "", "TheirStack API key")
	fs.StringVar(&c.TheirStackBaseURL, "theirstack-base-url", "https://api.theirstack.com/v1", "TheirStack API base URL")
	fs.Float64Var(&c.TheirStackRPS, "theirstack-rps", 2, "max TheirStack requests per second (0 = unlimited)")
	fs.StringVar(&c.Technology, "technology", "apollo-io", "technology slug to search adopters of")
	fs.IntVar(&c.LookbackDays, "lookback-days", 30, "only companies that adopted the technology in the last N days (0 = no cutoff)")
	fs.IntVar(&c.MaxCompanies, "max-companies", 200, "max companies fetched per run (1..10000)")
	fs.StringVar(&c.ApolloAPIKey, "apollo-api-key", "", "Apollo API key")
	fs.StringVar(&c.ApolloBaseURL, "apollo-base-url", "https://api.apollo.io/api/v1", "Apollo API base URL")
	fs.StringVar(&c.ApolloListID, "apollo-list-id", "", "Apollo account list id new accounts are added to")
	fs.StringVar(&c.Ledger, "ledger", LedgerSheets, "ledger backend: sheets, postgres or memory")
	fs.StringVar(&c.GoogleServiceAccountJSON, "google-service-account-json", "", "Google service account key as inline JSON")
	fs.StringVar(&c.GoogleServiceAccountFile, "google-service-account-file", "", "path to a Google service account key file")
	fs.StringVar(&c.GoogleSheetID, "google-sheet-id", "", "spreadsheet id of the ledger sheet")
	fs.StringVar(&c.GoogleSheetName, "google-sheet-name", "Sheet1", "tab name of the ledger sheet")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for the postgres ledger")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for run notifications")
	fs.StringVar(&c.PushgatewayURL, "pushgateway-url", "", "Prometheus Pushgateway URL run metrics are pushed to (empty = disabled)")
	fs.BoolVar(&c.DryRun, "dry-run", false, "fetch and dedup only; print new companies instead of writing them")
	fs.IntVar(&c.RunTimeoutSeconds, "run-timeout-seconds", 600, "overall run deadline in seconds (1..3600)")
	fs.StringVar(&c.ConfigFile, "config", "", "optional YAML file with flag values (keys are flag names)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Source
	if c.TheirStackAPIKey == "" {
		errs = append(errs, errors.New("THEIRSTACK_API_KEY is required"))
	}
	if err := validateURL("THEIRSTACK_BASE_URL", c.TheirStackBaseURL); err != nil {
		errs = append(errs, err)
	}
	if c.TheirStackRPS < 0 {
		errs = append(errs, fmt.Errorf("invalid THEIRSTACK_RPS %g (must be >= 0)", c.TheirStackRPS))
	}
	if c.Technology == "" {
		errs = append(errs, errors.New("TECHNOLOGY is required"))
	}
	if c.LookbackDays < 0 || c.LookbackDays > maxLookbackDays {
		errs = append(errs, fmt.Errorf("invalid LOOKBACK_DAYS %d (must be 0..%d)", c.LookbackDays, maxLookbackDays))
	}
	if c.MaxCompanies <= 0 || c.MaxCompanies > maxCompanies {
		errs = append(errs, fmt.Errorf("invalid MAX_COMPANIES %d (must be 1..%d)", c.MaxCompanies, maxCompanies))
	}

	// Apollo is only written to outside dry runs
	if !c.DryRun {
		if c.ApolloAPIKey == "" {
			errs = append(errs, errors.New("APOLLO_API_KEY is required"))
		}
		if c.ApolloListID == "" {
			errs = append(errs, errors.New("APOLLO_LIST_ID is required"))
		}
	}
	if err := validateURL("APOLLO_BASE_URL", c.ApolloBaseURL); err != nil {
		errs = append(errs, err)
	}

	// Ledger backend
	switch c.Ledger {
	case LedgerSheets:
		if c.GoogleSheetID == "" {
			errs = append(errs, errors.New("GOOGLE_SHEET_ID is required for the sheets ledger"))
		}
		if c.GoogleSheetName == "" {
			errs = append(errs, errors.New("GOOGLE_SHEET_NAME is required for the sheets ledger"))
		}
		switch {
		case c.GoogleServiceAccountJSON == "" && c.GoogleServiceAccountFile == "":
			errs = append(errs, errors.New("GOOGLE_SERVICE_ACCOUNT_JSON or GOOGLE_SERVICE_ACCOUNT_FILE is required for the sheets ledger"))
		case c.GoogleServiceAccountJSON != "" && c.GoogleServiceAccountFile != "":
			errs = append(errs, errors.New("set only one of GOOGLE_SERVICE_ACCOUNT_JSON and GOOGLE_SERVICE_ACCOUNT_FILE"))
		}
	case LedgerPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres ledger"))
		}
	case LedgerMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid LEDGER %q (must be %s, %s or %s)", c.Ledger, LedgerSheets, LedgerPostgres, LedgerMemory))
	}

	// Optional outputs
	if c.PushgatewayURL != "" {
		if err := validateURL("PUSHGATEWAY_URL", c.PushgatewayURL); err != nil {
			errs = append(errs, err)
		}
	}
	if c.SlackWebhookURL != "" {
		if err := validateURL("SLACK_WEBHOOK_URL", c.SlackWebhookURL); err != nil {
			errs = append(errs, err)
		}
	}

	if c.RunTimeoutSeconds <= 0 || c.RunTimeoutSeconds > maxRunTimeoutSecs {
		errs = append(errs, fmt.Errorf("invalid RUN_TIMEOUT_SECONDS %d (must be 1..%d)", c.RunTimeoutSeconds, maxRunTimeoutSecs))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Since returns the recency cutoff relative to now, or nil when
// LookbackDays is 0.
func (c *Config) Since(now time.Time) *time.Time {
	if c.LookbackDays <= 0 {
		return nil
	}
	t := now.UTC().AddDate(0, 0, -c.LookbackDays)
	return &t
}

// RunTimeout is the overall deadline of one run.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutSeconds) * time.Second
}

// ServiceAccountJSON returns the Google service account key, read from
// GoogleServiceAccountFile when no inline JSON is configured.
func (c *Config) ServiceAccountJSON() ([]byte, error) {
	if c.GoogleServiceAccountJSON != "" {
		return []byte(c.GoogleServiceAccountJSON), nil
	}
	if c.GoogleServiceAccountFile == "" {
		return nil, errors.New("no google service account configured")
	}
	b, err := os.ReadFile(c.GoogleServiceAccountFile)
	if err != nil {
		return nil, fmt.Errorf("read google service account file: %w", err)
	}
	return b, nil
}

func validateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid %s %q (must be an absolute URL)", name, raw)
	}
	return nil
}
