package billing

import "time"

// Config holds processing settings, parsed from the environment.
type Config struct {
	CatalogPath       string        `env:"BILLING_CATALOG_PATH" envDefault:"config/catalog.yaml"`
	StrictProducts    bool          `env:"BILLING_STRICT_PRODUCTS" envDefault:"false"`
	ProcessTimeout    time.Duration `env:"BILLING_PROCESS_TIMEOUT" envDefault:"10s"`
	LeaseDuration     time.Duration `env:"BILLING_LEASE_DURATION" envDefault:"30s"`
	RejectStaleEvents bool          `env:"BILLING_REJECT_STALE_EVENTS" envDefault:"true"`

	RedriveSchedule    string `env:"BILLING_REDRIVE_SCHEDULE" envDefault:"@every 1m"`
	RedriveBatchSize   int    `env:"BILLING_REDRIVE_BATCH_SIZE" envDefault:"50"`
	RedriveConcurrency int    `env:"BILLING_REDRIVE_CONCURRENCY" envDefault:"4"`
	RedriveMaxAttempts int    `env:"BILLING_REDRIVE_MAX_ATTEMPTS" envDefault:"10"`

	// ConflictAlertEmail receives data-integrity conflict reports. Empty disables them.
	ConflictAlertEmail string `env:"BILLING_CONFLICT_ALERT_EMAIL"`
}

const (
	defaultProcessTimeout = 10 * time.Second
	defaultLease          = 30 * time.Second
	finalizeTimeout       = 5 * time.Second
)
