package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"

	"github.com/ilyakaznacheev/cleanenv"
)

type (
	Config struct {
		App          `json:"app"          toml:"app"`
		HTTP         `json:"http"         toml:"http"`
		DB           `json:"db"           toml:"db"`
		Log          `json:"logger"       toml:"logger"`
		Storage      `json:"storage"      toml:"storage"`
		OCR          `json:"ocr"          toml:"ocr"`
		Kafka        `json:"kafka"        toml:"kafka"`
		Redis        `json:"redis"        toml:"redis"`
		Payment      `json:"payment"      toml:"payment"`
		Verification `json:"verification" toml:"verification"`
		Fraud        `json:"fraud"        toml:"fraud"`
	}

	App struct {
		Name        string `json:"name"        toml:"name"        env:"APP_NAME"`
		Environment string `json:"environment" toml:"environment" env:"ENV_NAME" env-default:"dev"`
		Debug       bool   `json:"debug"       toml:"debug"       env:"DEBUG"    env-default:"false"`
	}

	HTTP struct {
		Port           string   `json:"port"            toml:"port"            env:"HTTP_PORT" env-default:"8080"`
		AllowedOrigins []string `json:"allowed_origins" toml:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS" env-default:"*"`
	}

	DB struct {
		DatabaseURL       string `json:"database_url"        toml:"database_url"        env:"DATABASE_URL"`
		PoolMax           int32  `json:"pool_max"            toml:"pool_max"            env:"PG_POOL_MAX" env-default:"10"`
		ConnectTimeout    int    `json:"connect_timeout"     toml:"connect_timeout"     env:"PG_POOL_CONN_TIMEOUT" env-default:"5"`
		HealthCheckPeriod int    `json:"health_check_period" toml:"health_check_period" env:"PG_POOL_HEALTHCHECK" env-default:"1"`
		MigrationsPath    string `json:"migrations_path"     toml:"migrations_path"     env:"MIGRATIONS_PATH" env-default:"./migrations"`
	}

	Log struct {
		Level slog.Level `json:"level" toml:"level" env:"LOG_LEVEL"`
	}

	Storage struct {
		ScreenshotDir string `json:"screenshot_dir" toml:"screenshot_dir" env:"SCREENSHOT_DIR" env-default:"./data/screenshots"`
		MaxUploadMB   int64  `json:"max_upload_mb"  toml:"max_upload_mb"  env:"MAX_UPLOAD_MB"  env-default:"8"`
	}

	OCR struct {
		APIURL         string `json:"api_url"         toml:"api_url"         env:"OCR_API_URL"`
		APIKey         string `json:"api_key"         toml:"api_key"         env:"OCR_API_KEY"`
		TimeoutSeconds int    `json:"timeout_seconds" toml:"timeout_seconds" env:"OCR_TIMEOUT_SECONDS" env-default:"10"`
		MaxConcurrent  int    `json:"max_concurrent"  toml:"max_concurrent"  env:"OCR_MAX_CONCURRENT"  env-default:"5"`
	}

	Kafka struct {
		Brokers          []string `json:"brokers"            toml:"brokers"            env:"KAFKA_BROKERS"`
		SettlementTopic  string   `json:"settlement_topic"   toml:"settlement_topic"   env:"KAFKA_SETTLEMENT_TOPIC"   env-default:"payment.settled"`
		StatusTopic      string   `json:"status_topic"       toml:"status_topic"       env:"KAFKA_STATUS_TOPIC"       env-default:"payment.submission.status"`
		ConnectAttempts  int      `json:"connect_attempts"   toml:"connect_attempts"   env:"KAFKA_CONNECT_ATTEMPTS"   env-default:"5"`
		ProducerRetryMax int      `json:"producer_retry_max" toml:"producer_retry_max" env:"KAFKA_PRODUCER_RETRY_MAX" env-default:"5"`
	}

	Redis struct {
		Addr     string `json:"addr"     toml:"addr"     env:"REDIS_ADDR"`
		Password string `json:"password" toml:"password" env:"REDIS_PASSWORD"`
		DB       int    `json:"db"       toml:"db"       env:"REDIS_DB" env-default:"0"`
	}

	// Payment describes the off-platform wallet account users pay into.
	Payment struct {
		ReceivingAccountName   string `json:"receiving_account_name"   toml:"receiving_account_name"   env:"RECEIVING_ACCOUNT_NAME"`
		ReceivingAccountNumber string `json:"receiving_account_number" toml:"receiving_account_number" env:"RECEIVING_ACCOUNT_NUMBER"`
		OrderTTLMinutes        int    `json:"order_ttl_minutes"        toml:"order_ttl_minutes"        env:"ORDER_TTL_MINUTES" env-default:"30"`
	}

	Verification struct {
		Workers              int `json:"workers"                toml:"workers"                env:"VERIFY_WORKERS"               env-default:"4"`
		PollIntervalSeconds  int `json:"poll_interval_seconds"  toml:"poll_interval_seconds"  env:"VERIFY_POLL_INTERVAL_SECONDS" env-default:"5"`
		BatchSize            int `json:"batch_size"             toml:"batch_size"             env:"VERIFY_BATCH_SIZE"            env-default:"20"`
		MaxAttempts          int `json:"max_attempts"           toml:"max_attempts"           env:"VERIFY_MAX_ATTEMPTS"          env-default:"3"`
		BackoffBaseSeconds   int `json:"backoff_base_seconds"   toml:"backoff_base_seconds"   env:"VERIFY_BACKOFF_BASE_SECONDS"  env-default:"30"`
		BackoffMaxSeconds    int `json:"backoff_max_seconds"    toml:"backoff_max_seconds"    env:"VERIFY_BACKOFF_MAX_SECONDS"   env-default:"900"`
		StepTimeoutSeconds   int `json:"step_timeout_seconds"   toml:"step_timeout_seconds"   env:"VERIFY_STEP_TIMEOUT_SECONDS"  env-default:"30"`
		ClaimLeaseSeconds    int `json:"claim_lease_seconds"    toml:"claim_lease_seconds"    env:"VERIFY_CLAIM_LEASE_SECONDS"   env-default:"300"`
		ReaperIntervalSecond int `json:"reaper_interval_second" toml:"reaper_interval_second" env:"VERIFY_REAPER_INTERVAL"       env-default:"60"`
	}

	// Fraud holds every tunable of the rule registry and the decision bands.
	Fraud struct {
		HighWeight      int `json:"high_weight"      toml:"high_weight"      env:"FRAUD_HIGH_WEIGHT"      env-default:"40"`
		MediumWeight    int `json:"medium_weight"    toml:"medium_weight"    env:"FRAUD_MEDIUM_WEIGHT"    env-default:"20"`
		TimestampWeight int `json:"timestamp_weight" toml:"timestamp_weight" env:"FRAUD_TIMESTAMP_WEIGHT" env-default:"15"`
		LowWeight       int `json:"low_weight"       toml:"low_weight"       env:"FRAUD_LOW_WEIGHT"       env-default:"10"`

		ReviewThreshold int `json:"review_threshold" toml:"review_threshold" env:"FRAUD_REVIEW_THRESHOLD" env-default:"30"`
		RejectThreshold int `json:"reject_threshold" toml:"reject_threshold" env:"FRAUD_REJECT_THRESHOLD" env-default:"70"`

		AmountToleranceMinor  int64  `json:"amount_tolerance_minor"  toml:"amount_tolerance_minor"  env:"FRAUD_AMOUNT_TOLERANCE"      env-default:"100"`
		SimilarityDistance    int    `json:"similarity_distance"     toml:"similarity_distance"     env:"FRAUD_SIMILARITY_DISTANCE"   env-default:"10"`
		SimilarityLookbackDay int    `json:"similarity_lookback_day" toml:"similarity_lookback_day" env:"FRAUD_SIMILARITY_LOOKBACK"   env-default:"90"`
		SimilarityMaxHashes   int    `json:"similarity_max_hashes"   toml:"similarity_max_hashes"   env:"FRAUD_SIMILARITY_MAX_HASHES" env-default:"5000"`
		ReceiverMinSimilarity int    `json:"receiver_min_similarity" toml:"receiver_min_similarity" env:"FRAUD_RECEIVER_SIMILARITY"   env-default:"80"`
		TimestampGraceMinutes int    `json:"timestamp_grace_minutes" toml:"timestamp_grace_minutes" env:"FRAUD_TIMESTAMP_GRACE"       env-default:"30"`
		TimeZone              string `json:"time_zone"               toml:"time_zone"               env:"FRAUD_TIME_ZONE"             env-default:"Asia/Manila"`
		ConfidenceFloor       int    `json:"confidence_floor"        toml:"confidence_floor"        env:"FRAUD_CONFIDENCE_FLOOR"      env-default:"60"`

		MinWidth  int `json:"min_width"  toml:"min_width"  env:"FRAUD_MIN_WIDTH"  env-default:"320"`
		MaxWidth  int `json:"max_width"  toml:"max_width"  env:"FRAUD_MAX_WIDTH"  env-default:"2160"`
		MinHeight int `json:"min_height" toml:"min_height" env:"FRAUD_MIN_HEIGHT" env-default:"480"`
		MaxHeight int `json:"max_height" toml:"max_height" env:"FRAUD_MAX_HEIGHT" env-default:"4096"`

		NewAccountDays       int   `json:"new_account_days"        toml:"new_account_days"        env:"FRAUD_NEW_ACCOUNT_DAYS"  env-default:"7"`
		HighValueAmountMinor int64 `json:"high_value_amount_minor" toml:"high_value_amount_minor" env:"FRAUD_HIGH_VALUE_AMOUNT" env-default:"500000"`

		VelocityWindowMinutes int `json:"velocity_window_minutes" toml:"velocity_window_minutes" env:"FRAUD_VELOCITY_WINDOW" env-default:"60"`
		VelocityLimit         int `json:"velocity_limit"          toml:"velocity_limit"          env:"FRAUD_VELOCITY_LIMIT"  env-default:"5"`
	}
)

func LoadConfig() (*Config, error) {
	cfg := &Config{}

	_, b, _, _ := runtime.Caller(0)
	basePath := filepath.Dir(b)

	configTomlPath := filepath.Join(basePath, "config.toml")
	err := cleanenv.ReadConfig(configTomlPath, cfg)
	if err != nil {
		configJsonPath := filepath.Join(basePath, "config.json")
		err = cleanenv.ReadConfig(configJsonPath, cfg)
		if err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	}

	err = cleanenv.ReadEnv(cfg)
	if err != nil {
		return nil, fmt.Errorf("env read error: %w", err)
	}

	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return cfg, nil
}

// Validate rejects tuning combinations the pipeline cannot operate with.
// claimLeaseSlackSeconds covers the database work of one pipeline run on top
// of the screenshot and OCR step timeouts.
const claimLeaseSlackSeconds = 30

func (c *Config) Validate() error {
	var errs []error

	if c.DB.DatabaseURL == "" {
		errs = append(errs, errors.New("db.database_url is required"))
	}
	if c.Payment.ReceivingAccountNumber == "" {
		errs = append(errs, errors.New("payment.receiving_account_number is required"))
	}
	if c.Payment.OrderTTLMinutes <= 0 {
		errs = append(errs, errors.New("payment.order_ttl_minutes must be positive"))
	}
	if c.Verification.MaxAttempts < 1 {
		errs = append(errs, errors.New("verification.max_attempts must be at least 1"))
	}
	if c.Verification.Workers < 1 {
		errs = append(errs, errors.New("verification.workers must be at least 1"))
	}
	if c.Verification.BackoffBaseSeconds <= 0 || c.Verification.BackoffMaxSeconds < c.Verification.BackoffBaseSeconds {
		errs = append(errs, errors.New("verification backoff must satisfy 0 < base <= max"))
	}
	if c.Verification.StepTimeoutSeconds < 1 {
		errs = append(errs, errors.New("verification.step_timeout_seconds must be at least 1"))
	} else if minLease := 2*c.Verification.StepTimeoutSeconds + claimLeaseSlackSeconds; c.Verification.ClaimLeaseSeconds <= minLease {
		errs = append(errs, fmt.Errorf("verification.claim_lease_seconds must exceed %d (two step timeouts plus %ds)", minLease, claimLeaseSlackSeconds))
	}

	f := c.Fraud
	for name, w := range map[string]int{
		"high_weight":      f.HighWeight,
		"medium_weight":    f.MediumWeight,
		"timestamp_weight": f.TimestampWeight,
		"low_weight":       f.LowWeight,
	} {
		if w <= 0 {
			errs = append(errs, fmt.Errorf("fraud.%s must be positive", name))
		}
	}
	if f.ReviewThreshold <= 0 || f.RejectThreshold <= f.ReviewThreshold {
		errs = append(errs, errors.New("fraud thresholds must satisfy 0 < review_threshold < reject_threshold"))
	}
	if f.ConfidenceFloor < 0 || f.ConfidenceFloor > 100 {
		errs = append(errs, errors.New("fraud.confidence_floor must be within 0..100"))
	}
	if f.ReceiverMinSimilarity < 0 || f.ReceiverMinSimilarity > 100 {
		errs = append(errs, errors.New("fraud.receiver_min_similarity must be within 0..100"))
	}
	if f.VelocityLimit < 1 || f.VelocityWindowMinutes < 1 {
		errs = append(errs, errors.New("fraud velocity limit and window must be positive"))
	}
	if f.MinWidth > f.MaxWidth || f.MinHeight > f.MaxHeight {
		errs = append(errs, errors.New("fraud dimension ranges are inverted"))
	}

	return errors.Join(errs...)
}
