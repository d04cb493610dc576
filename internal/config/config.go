package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wccg/ereferrals/internal/platform/resilience"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	PASBaseURL                string `mapstructure:"PAS_BASE_URL"`
	PASCreateReferralEndpoint string `mapstructure:"PAS_CREATE_REFERRAL_ENDPOINT"`
	PASGetReferralEndpoint    string `mapstructure:"PAS_GET_REFERRAL_ENDPOINT"`

	PermitLimit           int     `mapstructure:"RESILIENCE_PERMIT_LIMIT"`
	QueueLimit            int     `mapstructure:"RESILIENCE_QUEUE_LIMIT"`
	RetryExponential      bool    `mapstructure:"RETRY_IS_EXPONENTIAL_DELAY"`
	RetryDelaySeconds     float64 `mapstructure:"RETRY_DELAY_SECONDS"`
	RetryMaxRetries       int     `mapstructure:"RETRY_MAX_RETRIES"`
	CBFailureRatioPercent float64 `mapstructure:"CB_FAILURE_RATIO_PERCENT"`
	CBMinimumThroughput   int     `mapstructure:"CB_MINIMUM_THROUGHPUT"`
	CBSamplingSeconds     float64 `mapstructure:"CB_SAMPLING_DURATION_SECONDS"`
	CBBreakSeconds        float64 `mapstructure:"CB_BREAK_DURATION_SECONDS"`
	TotalTimeoutSeconds   float64 `mapstructure:"RESILIENCE_TOTAL_TIMEOUT_SECONDS"`
	AttemptTimeoutSeconds float64 `mapstructure:"RESILIENCE_ATTEMPT_TIMEOUT_SECONDS"`

	FHIRValidationEnabled      bool     `mapstructure:"FHIR_VALIDATION_ENABLED"`
	FHIRValidationPackagePaths []string `mapstructure:"FHIR_VALIDATION_PACKAGE_PATHS"`
	FHIRVersion                string   `mapstructure:"FHIR_VERSION"`
	ReferralRulesFile          string   `mapstructure:"REFERRAL_RULES_FILE"`

	AuditDatabaseURL string `mapstructure:"AUDIT_DATABASE_URL"`
	DBMaxConns       int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32  `mapstructure:"DB_MIN_CONNS"`

	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string   `mapstructure:"BODY_LIMIT"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV",
	"PAS_BASE_URL", "PAS_CREATE_REFERRAL_ENDPOINT", "PAS_GET_REFERRAL_ENDPOINT",
	"RESILIENCE_PERMIT_LIMIT", "RESILIENCE_QUEUE_LIMIT",
	"RETRY_IS_EXPONENTIAL_DELAY", "RETRY_DELAY_SECONDS", "RETRY_MAX_RETRIES",
	"CB_FAILURE_RATIO_PERCENT", "CB_MINIMUM_THROUGHPUT",
	"CB_SAMPLING_DURATION_SECONDS", "CB_BREAK_DURATION_SECONDS",
	"RESILIENCE_TOTAL_TIMEOUT_SECONDS", "RESILIENCE_ATTEMPT_TIMEOUT_SECONDS",
	"FHIR_VALIDATION_ENABLED", "FHIR_VALIDATION_PACKAGE_PATHS", "FHIR_VERSION",
	"REFERRAL_RULES_FILE",
	"AUDIT_DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "CORS_ORIGINS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("PAS_CREATE_REFERRAL_ENDPOINT", "/api/v1/referrals/$process-message")
	v.SetDefault("PAS_GET_REFERRAL_ENDPOINT", "/api/v1/referrals/{id}")
	v.SetDefault("RESILIENCE_PERMIT_LIMIT", 10)
	v.SetDefault("RESILIENCE_QUEUE_LIMIT", 20)
	v.SetDefault("RETRY_IS_EXPONENTIAL_DELAY", true)
	v.SetDefault("RETRY_DELAY_SECONDS", 1)
	v.SetDefault("RETRY_MAX_RETRIES", 3)
	v.SetDefault("CB_FAILURE_RATIO_PERCENT", 50)
	v.SetDefault("CB_MINIMUM_THROUGHPUT", 10)
	v.SetDefault("CB_SAMPLING_DURATION_SECONDS", 30)
	v.SetDefault("CB_BREAK_DURATION_SECONDS", 15)
	v.SetDefault("RESILIENCE_TOTAL_TIMEOUT_SECONDS", 30)
	v.SetDefault("RESILIENCE_ATTEMPT_TIMEOUT_SECONDS", 10)
	v.SetDefault("FHIR_VALIDATION_ENABLED", false)
	v.SetDefault("FHIR_VERSION", "4.0.1")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "5M")
	v.SetDefault("CORS_ORIGINS", "")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.FHIRValidationPackagePaths = splitList(v.GetString("FHIR_VALIDATION_PACKAGE_PATHS"))

	return cfg, nil
}

// splitList accepts comma or semicolon separated values and drops blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Resilience converts the flat settings into the outbound pipeline config.
func (c *Config) Resilience() resilience.Config {
	return resilience.Config{
		PermitLimit: c.PermitLimit,
		QueueLimit:  c.QueueLimit,
		Retry: resilience.RetryConfig{
			Exponential: c.RetryExponential,
			Delay:       seconds(c.RetryDelaySeconds),
			MaxRetries:  c.RetryMaxRetries,
		},
		Breaker: resilience.BreakerConfig{
			FailureRatio:      c.CBFailureRatioPercent / 100,
			MinimumThroughput: c.CBMinimumThroughput,
			SamplingDuration:  seconds(c.CBSamplingSeconds),
			BreakDuration:     seconds(c.CBBreakSeconds),
		},
		TotalTimeout:   seconds(c.TotalTimeoutSeconds),
		AttemptTimeout: seconds(c.AttemptTimeoutSeconds),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Validate checks that the configuration is safe to run. Range checks on the
// outbound policies are delegated to the resilience package.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	if c.PASBaseURL == "" {
		return fmt.Errorf("PAS_BASE_URL is required")
	}
	u, err := url.Parse(c.PASBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("PAS_BASE_URL must be an absolute http(s) URL, got %q", c.PASBaseURL)
	}
	if c.PASCreateReferralEndpoint == "" {
		return fmt.Errorf("PAS_CREATE_REFERRAL_ENDPOINT is required")
	}
	if !strings.Contains(c.PASGetReferralEndpoint, "{id}") && !strings.Contains(c.PASGetReferralEndpoint, "{0}") {
		return fmt.Errorf("PAS_GET_REFERRAL_ENDPOINT must contain an {id} placeholder, got %q", c.PASGetReferralEndpoint)
	}

	if c.CBFailureRatioPercent < 0 || c.CBFailureRatioPercent > 100 {
		return fmt.Errorf("CB_FAILURE_RATIO_PERCENT must be between 0 and 100, got %v", c.CBFailureRatioPercent)
	}
	if err := c.Resilience().Validate(); err != nil {
		return fmt.Errorf("resilience: %w", err)
	}

	if c.FHIRValidationEnabled && len(c.FHIRValidationPackagePaths) == 0 {
		return fmt.Errorf("FHIR_VALIDATION_PACKAGE_PATHS is required when FHIR_VALIDATION_ENABLED is true")
	}

	if c.AuditDatabaseURL != "" && c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}

	return nil
}
