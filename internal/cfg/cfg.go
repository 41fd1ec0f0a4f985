package cfg

import (
	"errors"
	"flag"
	"fmt"

	"github.com/linnemanlabs/sieve/internal/authmw"
	"github.com/linnemanlabs/sieve/internal/triage"
)

// Log backends.
const (
	SourceSeq  = "seq"
	SourceLoki = "loki"
)

// Approval modes.
const (
	ApprovalInteractive = "interactive"
	ApprovalAccept      = "accept"
	ApprovalReject      = "reject"
	ApprovalHTTP        = "http"
)

// MemoryLedger as the ledger path keeps the ledger in memory for the run only.
const MemoryLedger = ":memory:"

// Config holds the application flags for a triage run.
type Config struct {
	WindowHours          int
	ReferenceWindowHours int
	MinimumCount         int
	MaxTemplates         int
	SampleSize           int
	MaxEvents            int
	Level                string

	ProjectKey      string
	ParentTicketKey string
	IssueType       string

	LedgerPath  string
	DatabaseURL string

	Source       string
	SeqEndpoint  string
	SeqAPIKey    string
	LokiEndpoint string
	LokiTenantID string
	LokiSelector string

	JiraEndpoint string
	JiraUser     string
	JiraToken    string

	RulesPath   string
	Approval    string
	ReviewPort  int
	ReviewToken string

	SlackWebhookURL       string
	PushgatewayURL        string
	ShutdownBudgetSeconds int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.WindowHours, "window-hours", 12, "hours of logs to scan, ending now (1..168)")
	fs.IntVar(&c.ReferenceWindowHours, "reference-window-hours", 12, "window the occurrence rate is extrapolated to in drafts (1..8760)")
	fs.IntVar(&c.MinimumCount, "minimum-count", 10, "templates seen fewer times than this are ignored")
	fs.IntVar(&c.MaxTemplates, "max-templates", 10, "maximum new templates considered per run")
	fs.IntVar(&c.SampleSize, "sample-size", triage.DefaultSampleSize, "events kept per template for classification (1..100)")
	fs.IntVar(&c.MaxEvents, "max-events", 5000, "maximum events fetched per run (1..100000)")
	fs.StringVar(&c.Level, "level", "Error", "log level to triage")

	fs.StringVar(&c.ProjectKey, "project-key", "", "tracker project key tickets are created in")
	fs.StringVar(&c.ParentTicketKey, "parent-ticket-key", "", "optional parent ticket for created tickets")
	fs.StringVar(&c.IssueType, "issue-type", "Task", "tracker issue type for created tickets")

	fs.StringVar(&c.LedgerPath, "ledger-path", "suppressions.jsonl", "suppression ledger file (\":memory:\" = in-memory, ignored when database-url is set)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for the suppression ledger")

	fs.StringVar(&c.Source, "source", SourceSeq, "log backend: seq or loki")
	fs.StringVar(&c.SeqEndpoint, "seq-endpoint", "", "Seq server base URL")
	fs.StringVar(&c.SeqAPIKey, "seq-api-key", "", "Seq API key")
	fs.StringVar(&c.LokiEndpoint, "loki-endpoint", "", "Loki base URL")
	fs.StringVar(&c.LokiTenantID, "loki-tenant-id", "", "Loki tenant ID for multi-tenant setups")
	fs.StringVar(&c.LokiSelector, "loki-selector", "", "LogQL stream selector for CLEF streams, e.g. {app=\"shop\"}")

	fs.StringVar(&c.JiraEndpoint, "jira-endpoint", "", "Jira base URL")
	fs.StringVar(&c.JiraUser, "jira-user", "", "Jira user for basic auth")
	fs.StringVar(&c.JiraToken, "jira-token", "", "Jira API token")

	fs.StringVar(&c.RulesPath, "rules", "", "YAML classification rules (empty = built-in rules)")
	fs.StringVar(&c.Approval, "approval", ApprovalInteractive, "approval mode: interactive, accept, reject or http")
	fs.IntVar(&c.ReviewPort, "review-port", 8089, "review API listen TCP port when approval=http (1..65535)")
	fs.StringVar(&c.ReviewToken, "review-token", "", "review API bearer token, or name=token pairs separated by commas")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for run summaries")
	fs.StringVar(&c.PushgatewayURL, "pushgateway-url", "", "Prometheus Pushgateway URL for run metrics")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 30, "total seconds for component shutdown (1..300)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	if c.WindowHours < 1 || c.WindowHours > 168 {
		errs = append(errs, fmt.Errorf("invalid WINDOW_HOURS %d (must be 1..168)", c.WindowHours))
	}
	if c.ReferenceWindowHours < 1 || c.ReferenceWindowHours > 8760 {
		errs = append(errs, fmt.Errorf("invalid REFERENCE_WINDOW_HOURS %d (must be 1..8760)", c.ReferenceWindowHours))
	}
	if c.MinimumCount < 1 {
		errs = append(errs, fmt.Errorf("invalid MINIMUM_COUNT %d (must be >= 1)", c.MinimumCount))
	}
	if c.MaxTemplates < 1 {
		errs = append(errs, fmt.Errorf("invalid MAX_TEMPLATES %d (must be >= 1)", c.MaxTemplates))
	}
	if c.SampleSize < 1 || c.SampleSize > 100 {
		errs = append(errs, fmt.Errorf("invalid SAMPLE_SIZE %d (must be 1..100)", c.SampleSize))
	}
	if c.MaxEvents < 1 || c.MaxEvents > 100000 {
		errs = append(errs, fmt.Errorf("invalid MAX_EVENTS %d (must be 1..100000)", c.MaxEvents))
	}
	if c.Level == "" {
		errs = append(errs, errors.New("LEVEL is required"))
	}

	switch c.Source {
	case SourceSeq:
		if c.SeqEndpoint == "" {
			errs = append(errs, errors.New("SEQ_ENDPOINT is required when SOURCE=seq"))
		}
	case SourceLoki:
		if c.LokiEndpoint == "" {
			errs = append(errs, errors.New("LOKI_ENDPOINT is required when SOURCE=loki"))
		}
		if c.LokiSelector == "" {
			errs = append(errs, errors.New("LOKI_SELECTOR is required when SOURCE=loki"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid SOURCE %q (must be seq or loki)", c.Source))
	}

	if c.DatabaseURL == "" && c.LedgerPath == "" {
		errs = append(errs, errors.New("one of LEDGER_PATH or DATABASE_URL is required"))
	}

	switch c.Approval {
	case ApprovalInteractive, ApprovalAccept, ApprovalHTTP:
		// these can publish, so the tracker must be reachable
		if c.ProjectKey == "" {
			errs = append(errs, fmt.Errorf("PROJECT_KEY is required when APPROVAL=%s", c.Approval))
		}
		if c.JiraEndpoint == "" {
			errs = append(errs, fmt.Errorf("JIRA_ENDPOINT is required when APPROVAL=%s", c.Approval))
		}
		if c.IssueType == "" {
			errs = append(errs, errors.New("ISSUE_TYPE is required"))
		}
	case ApprovalReject:
	default:
		errs = append(errs, fmt.Errorf("invalid APPROVAL %q (must be interactive, accept, reject or http)", c.Approval))
	}

	if c.Approval == ApprovalHTTP {
		if c.ReviewPort <= 0 || c.ReviewPort > 65535 {
			errs = append(errs, fmt.Errorf("invalid REVIEW_PORT %d (must be 1..65535)", c.ReviewPort))
		}
		if _, err := authmw.ParseReviewers(c.ReviewToken); err != nil {
			errs = append(errs, fmt.Errorf("invalid REVIEW_TOKEN: %w", err))
		}
	}

	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Pipeline returns the per-run pipeline settings.
func (c *Config) Pipeline() triage.Config {
	return triage.Config{
		Level:                c.Level,
		WindowHours:          c.WindowHours,
		ReferenceWindowHours: c.ReferenceWindowHours,
		MinimumCount:         c.MinimumCount,
		MaxTemplates:         c.MaxTemplates,
		SampleSize:           c.SampleSize,
		MaxEvents:            c.MaxEvents,
	}
}
