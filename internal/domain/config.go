package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" envconfig:"SERVER"`

	// Tier determines which storage, cache and bus backends are used
	Tier Tier `json:"tier" envconfig:"TIER"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" envconfig:"REPOSITORY"`
	Cache      CacheConfig      `json:"cache" envconfig:"CACHE"`
	EventBus   EventBusConfig   `json:"eventBus" envconfig:"BUS"`

	// Detector thresholds and engine limits
	Analysis AnalysisConfig `json:"analysis" envconfig:"ANALYSIS"`
	Persist  PersistConfig  `json:"persist" envconfig:"PERSIST"`
	Pipeline PipelineConfig `json:"pipeline" envconfig:"PIPELINE"`
	Worker   WorkerConfig   `json:"worker" envconfig:"WORKER"`

	// Observability
	Logging LoggingConfig `json:"logging" envconfig:"LOG"`
	Tracing TracingConfig `json:"tracing" envconfig:"TRACING"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" envconfig:"HOST"`
	Port         int    `json:"port" envconfig:"PORT"`
	ReadTimeout  int    `json:"readTimeout" envconfig:"READ_TIMEOUT"`   // seconds
	WriteTimeout int    `json:"writeTimeout" envconfig:"WRITE_TIMEOUT"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" envconfig:"LEVEL"`   // debug, info, warn, error
	Format string `json:"format" envconfig:"FORMAT"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" envconfig:"ENABLED"`
	ServiceName string `json:"serviceName" envconfig:"SERVICE_NAME"`
}

// PersistConfig controls how risk scores are written back to the row store.
type PersistConfig struct {
	ChunkSize   int           `json:"chunkSize" envconfig:"CHUNK_SIZE"`
	MaxAttempts int           `json:"maxAttempts" envconfig:"MAX_ATTEMPTS"`
	RetryWait   time.Duration `json:"retryWait" envconfig:"RETRY_WAIT"`
}

// PipelineConfig controls the analysis run around the engine.
type PipelineConfig struct {
	// FlagThreshold is the risk score at which a row is published on the
	// flagged topic.
	FlagThreshold float64 `json:"flagThreshold" envconfig:"FLAG_THRESHOLD"`

	// MaxFlaggedEvent caps the rows listed in one flagged event.
	MaxFlaggedEvent int `json:"maxFlaggedEvent" envconfig:"MAX_FLAGGED_EVENT"`
}

// WorkerConfig controls the async analysis worker.
type WorkerConfig struct {
	Enabled bool `json:"enabled" envconfig:"ENABLED"`

	// Tenants limits the worker to these tenants; empty means all.
	Tenants []string `json:"tenants" envconfig:"TENANTS"`
}

// AnalysisConfig holds every tunable of the detectors.
// HighRiskGapSize and IsolationHighScore have two competing values in the
// audit methodology (10 vs 50, 0.8 vs 0.6); they stay configurable.
type AnalysisConfig struct {
	// Seed drives the isolation forest. Same seed, same scores.
	Seed uint64 `json:"seed" yaml:"seed" envconfig:"SEED"`

	// MaxConcurrency limits detectors running at once (0 = one per detector).
	MaxConcurrency int `json:"maxConcurrency" yaml:"maxConcurrency" envconfig:"MAX_CONCURRENCY"`

	// Entropy
	EntropyAnomalyThreshold float64 `json:"entropyAnomalyThreshold" yaml:"entropyAnomalyThreshold" envconfig:"ENTROPY_THRESHOLD"`

	// Splitting
	SplittingThresholds  []float64 `json:"splittingThresholds" yaml:"splittingThresholds" envconfig:"SPLITTING_THRESHOLDS"`
	TimeWindowDays       int       `json:"timeWindowDays" yaml:"timeWindowDays" envconfig:"TIME_WINDOW_DAYS"`
	SplittingMediumScore float64   `json:"splittingMediumScore" yaml:"splittingMediumScore" envconfig:"SPLITTING_MEDIUM_SCORE"`

	// Sequential
	HighRiskGapSize           int64   `json:"highRiskGapSize" yaml:"highRiskGapSize" envconfig:"HIGH_RISK_GAP"`
	MediumRiskGapSize         int64   `json:"mediumRiskGapSize" yaml:"mediumRiskGapSize" envconfig:"MEDIUM_RISK_GAP"`
	SequentialGapContribution float64 `json:"sequentialGapContribution" yaml:"sequentialGapContribution" envconfig:"GAP_CONTRIBUTION"`

	// Outliers
	OutlierMinSamples int `json:"outlierMinSamples" yaml:"outlierMinSamples" envconfig:"OUTLIER_MIN_SAMPLES"`

	// Benford
	BenfordMinSamples         int  `json:"benfordMinSamples" yaml:"benfordMinSamples" envconfig:"BENFORD_MIN_SAMPLES"`
	EnhancedBenfordMinSamples int  `json:"enhancedBenfordMinSamples" yaml:"enhancedBenfordMinSamples" envconfig:"ENHANCED_BENFORD_MIN_SAMPLES"`
	BenfordRowFactors         bool `json:"benfordRowFactors" yaml:"benfordRowFactors" envconfig:"BENFORD_ROW_FACTORS"`

	// Isolation forest
	IsolationTrees       int     `json:"isolationTrees" yaml:"isolationTrees" envconfig:"ISOLATION_TREES"`
	IsolationSampleSize  int     `json:"isolationSampleSize" yaml:"isolationSampleSize" envconfig:"ISOLATION_SAMPLE_SIZE"`
	IsolationMaxDepth    int     `json:"isolationMaxDepth" yaml:"isolationMaxDepth" envconfig:"ISOLATION_MAX_DEPTH"`
	IsolationPercentile  float64 `json:"isolationPercentile" yaml:"isolationPercentile" envconfig:"ISOLATION_PERCENTILE"`
	IsolationHighScore   float64 `json:"isolationHighScore" yaml:"isolationHighScore" envconfig:"ISOLATION_HIGH_SCORE"`
	IsolationMediumScore float64 `json:"isolationMediumScore" yaml:"isolationMediumScore" envconfig:"ISOLATION_MEDIUM_SCORE"`
	IsolationLowScore    float64 `json:"isolationLowScore" yaml:"isolationLowScore" envconfig:"ISOLATION_LOW_SCORE"`

	// Actor profiling
	BusinessHourStart      int     `json:"businessHourStart" yaml:"businessHourStart" envconfig:"BUSINESS_HOUR_START"`
	BusinessHourEnd        int     `json:"businessHourEnd" yaml:"businessHourEnd" envconfig:"BUSINESS_HOUR_END"`
	ActorContributionScale float64 `json:"actorContributionScale" yaml:"actorContributionScale" envconfig:"ACTOR_SCALE"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process cache and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultAnalysisConfig returns the documented detector defaults.
func DefaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{
		Seed:                      42,
		EntropyAnomalyThreshold:   0.02,
		SplittingThresholds:       []float64{1000, 5000, 10000, 25000, 50000, 100000},
		TimeWindowDays:            30,
		SplittingMediumScore:      20,
		HighRiskGapSize:           10,
		MediumRiskGapSize:         5,
		SequentialGapContribution: 15,
		OutlierMinSamples:         10,
		BenfordMinSamples:         100,
		EnhancedBenfordMinSamples: 30,
		BenfordRowFactors:         true,
		IsolationTrees:            50,
		IsolationSampleSize:       256,
		IsolationMaxDepth:         8,
		IsolationPercentile:       95,
		IsolationHighScore:        0.8,
		IsolationMediumScore:      0.7,
		IsolationLowScore:         0.6,
		BusinessHourStart:         8,
		BusinessHourEnd:           18,
		ActorContributionScale:    0.5,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 120, // analysis of large populations runs inline
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     10 * time.Minute,
			ReportTTL:    24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 100,
		},
		Analysis: DefaultAnalysisConfig(),
		Persist: PersistConfig{
			ChunkSize:   100,
			MaxAttempts: 3,
			RetryWait:   200 * time.Millisecond,
		},
		Pipeline: PipelineConfig{
			FlagThreshold:   50,
			MaxFlaggedEvent: 500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   200,
		LocalTTL:       5 * time.Minute,
		ReportTTL:      24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
