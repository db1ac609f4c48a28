package configuration

import (
	"time"

	commonconfig "github.com/fireflyhq/firefly/internal/common/config"
	"github.com/fireflyhq/firefly/internal/common/logging"
)

type Configuration struct {
	// Reported with every run and exported to the history store
	Version     string `validate:"required"`
	MetricsPort uint16
	Logging     logging.Config

	Redis       commonconfig.RedisConfig
	Events      EventsConfig
	Leases      LeaseConfig
	Coordinator CoordinatorConfig
	LoadTest    LoadTestConfig
	Scripts     ScriptConfig
	Catalog     CatalogConfig
	History     HistoryConfig

	// Named environments a run can be primed with. The key is the environment name.
	Environments map[string]map[string]string
	// Environment keys whose values are redacted before being recorded against a unit
	Secrets []string
}

type EventsConfig struct {
	// How long a closed channel remains readable before its key expires
	DeletionGrace time.Duration `validate:"gt=0"`
	// How long a reader waits for a channel key to be created
	ExistenceWait time.Duration `validate:"gt=0"`
	// Interval between existence checks while waiting
	PollInterval time.Duration `validate:"gt=0"`
	// Maximum time a single XREAD blocks for
	BlockDuration time.Duration `validate:"gt=0"`
}

type LeaseConfig struct {
	// How long Acquire keeps trying before it gives up
	Timeout time.Duration `validate:"gt=0"`
	// Lifetime of a lease whose holder died without releasing it
	Expiry time.Duration `validate:"gt=0"`
	// Interval between acquisition attempts
	PollInterval time.Duration `validate:"gt=0"`
}

type CoordinatorConfig struct {
	// Timeout applied to each coordinator phase
	PhaseTimeout time.Duration `validate:"gt=0"`
	// Timeout applied to each hook stage
	StageTimeout time.Duration `validate:"gt=0"`
	// How long run records are kept in the shared store
	Retention time.Duration `validate:"gt=0"`
	// Number of unit records written to the history store per batch
	ExportBatchSize int `validate:"gt=0"`
}

type LoadTestConfig struct {
	// Interval between task status snapshots taken by the supervisor
	StatusInterval time.Duration `validate:"gt=0"`
	// Number of jobs the in-process worker pool can run at once
	PoolCapacity int `validate:"gt=1"`
	// How long execution records are kept in the shared store
	Retention time.Duration `validate:"gt=0"`
	// Upper bound on running the teardown hooks of a stopped worker
	TeardownTimeout time.Duration `validate:"gt=0"`
}

type ScriptConfig struct {
	// Timeout applied to each phase that prepares a script execution
	PhaseTimeout time.Duration `validate:"gt=0"`
	// How long execution records and logs are kept in the shared store
	Retention time.Duration `validate:"gt=0"`
}

type CatalogConfig struct {
	// Attempts made for idempotent collection calls
	RetryAttempts uint `validate:"gt=0"`
	RetryDelay    time.Duration
	// Lifetime of cached collection listings
	MemoTTL time.Duration `validate:"gt=0"`
	// Maximum number of loaded definitions kept in memory
	LoadedCacheSize int `validate:"gt=0"`
}

type HistoryConfig struct {
	// Type of database used - must be either 'postgres' or 'sqlite'
	Driver string `validate:"oneof=sqlite postgres"`
	// For sqlite this is the path of the database file, for postgres a connection string
	Dsn string `validate:"required"`
}
