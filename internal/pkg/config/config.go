// Package config builds the typed application configuration. Values come from
// the .env map loaded by package env, overlaid by the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	envparse "github.com/caarlos0/env/v11"

	"github.com/ManuelReschke/KogFlow/internal/pkg/env"
)

type Config struct {
	App       AppConfig
	DB        DBConfig
	Cache     CacheConfig
	Storage   StorageConfig
	ImageGen  ImageGenConfig
	VideoGen  VideoGenConfig
	Credits   CreditsConfig
	Watermark WatermarkConfig
	Stitch    StitchConfig
	Billing   BillingConfig
}

type AppConfig struct {
	Env       string `env:"APP_ENV" envDefault:"prod"`
	Host      string `env:"APP_HOST" envDefault:"localhost"`
	Port      string `env:"APP_PORT" envDefault:"4000"`
	BodyLimit int    `env:"APP_BODY_LIMIT" envDefault:"26214400"`
	// MaxUploadBytes bounds a single source image.
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" envDefault:"15728640"`
	MetricsUser    string `env:"METRICS_USER" envDefault:"admin"`
	MetricsPass    string `env:"METRICS_PASSWORD"`
}

func (c AppConfig) IsDev() bool {
	return c.Env == "dev"
}

type DBConfig struct {
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Host     string `env:"DB_HOST" envDefault:"127.0.0.1"`
	Port     string `env:"DB_PORT" envDefault:"3306"`
	Name     string `env:"DB_NAME"`
}

// DSN returns the go-sql-driver DSN used by gorm.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

// MigrateURL returns the golang-migrate database URL.
func (c DBConfig) MigrateURL() string {
	return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

type CacheConfig struct {
	Host     string `env:"CACHE_HOST" envDefault:"localhost"`
	Port     string `env:"CACHE_PORT" envDefault:"6379"`
	Password string `env:"CACHE_PASSWORD"`
}

func (c CacheConfig) Addr() string {
	return c.Host + ":" + c.Port
}

type StorageConfig struct {
	// Driver is "s3" or "local".
	Driver          string `env:"STORAGE_DRIVER" envDefault:"local"`
	AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
	Region          string `env:"S3_REGION" envDefault:"us-east-1"`
	EndpointURL     string `env:"S3_ENDPOINT_URL"`
	// PublicBaseURL prefixes "<bucket>/<key>" to form public object URLs.
	PublicBaseURL string `env:"STORAGE_PUBLIC_BASE_URL" envDefault:"http://localhost:4000/files"`
	LocalRoot     string `env:"STORAGE_LOCAL_ROOT" envDefault:"./storage"`
	UploadsBucket string `env:"STORAGE_UPLOADS_BUCKET" envDefault:"uploads"`
	ResultsBucket string `env:"STORAGE_RESULTS_BUCKET" envDefault:"generations"`
	VideosBucket  string `env:"STORAGE_VIDEOS_BUCKET" envDefault:"videos"`
}

type ImageGenConfig struct {
	BaseURL string        `env:"KIE_BASE_URL" envDefault:"https://api.kie.ai"`
	APIKey  string        `env:"KIE_API_KEY"`
	Model   string        `env:"KIE_MODEL" envDefault:"nano-banana-pro"`
	Timeout time.Duration `env:"KIE_TIMEOUT" envDefault:"45s"`
	// PollInterval and PollTimeout drive server-side watching (CLI only).
	PollInterval time.Duration `env:"GENERATION_POLL_INTERVAL" envDefault:"2s"`
	PollTimeout  time.Duration `env:"GENERATION_POLL_TIMEOUT" envDefault:"120s"`
}

type VideoGenConfig struct {
	BaseURL     string        `env:"RUNNINGHUB_BASE_URL" envDefault:"https://www.runninghub.cn"`
	APIKey      string        `env:"RUNNINGHUB_API_KEY"`
	AppID       string        `env:"RUNNINGHUB_APP_ID" envDefault:"1961996521397010434"`
	Timeout     time.Duration `env:"RUNNINGHUB_TIMEOUT" envDefault:"60s"`
	Interval    time.Duration `env:"VIDEO_DISPATCH_INTERVAL" envDefault:"2s"`
	RateLimiter string        `env:"VIDEO_RATE_LIMITER" envDefault:"local"`
}

type CreditsConfig struct {
	GuestTokenSecret     string        `env:"GUEST_TOKEN_SECRET"`
	FreeDailyCredits     int           `env:"FREE_DAILY_CREDITS" envDefault:"2"`
	ResetWindow          time.Duration `env:"CREDIT_RESET_WINDOW" envDefault:"24h"`
	GuestDebitPolicy     string        `env:"GUEST_DEBIT_POLICY" envDefault:"eager"`
	UserDebitPolicy      string        `env:"USER_DEBIT_POLICY" envDefault:"on_success"`
	RefundGuestOnFailure bool          `env:"REFUND_GUEST_ON_FAILURE" envDefault:"false"`
}

type WatermarkConfig struct {
	Text        string  `env:"WATERMARK_TEXT" envDefault:"KogFlow.com"`
	Opacity     float64 `env:"WATERMARK_OPACITY" envDefault:"0.5"`
	JPEGQuality int     `env:"WATERMARK_JPEG_QUALITY" envDefault:"95"`
}

type StitchConfig struct {
	FFmpegPath  string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FontFile    string `env:"STITCH_FONT_FILE"`
	OverlayText string `env:"STITCH_OVERLAY_TEXT" envDefault:"Created with KogFlow.app"`
	ScratchDir  string `env:"STITCH_SCRATCH_DIR"`
	MaxClips    int    `env:"STITCH_MAX_CLIPS" envDefault:"20"`
}

type BillingConfig struct {
	WebhookSecret string `env:"BILLING_WEBHOOK_SECRET"`
	Provider      string `env:"BILLING_PROVIDER" envDefault:"stripe"`
}

// Load parses the configuration from the process environment overlaid by the
// .env map, the same precedence env.GetEnv applies.
func Load() (*Config, error) {
	return LoadFrom(mergedEnvironment())
}

// LoadFrom parses the configuration from an explicit key/value map.
func LoadFrom(environment map[string]string) (*Config, error) {
	var cfg Config
	if err := envparse.ParseWithOptions(&cfg, envparse.Options{Environment: environment}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Validate reports configuration that would break the running server.
func (c *Config) Validate() error {
	var errs []error
	if c.Credits.GuestTokenSecret == "" {
		errs = append(errs, errors.New("GUEST_TOKEN_SECRET is required"))
	}
	if c.Credits.FreeDailyCredits <= 0 {
		errs = append(errs, errors.New("FREE_DAILY_CREDITS must be positive"))
	}
	switch c.Storage.Driver {
	case "local":
	case "s3":
		if c.Storage.AccessKeyID == "" || c.Storage.SecretAccessKey == "" {
			errs = append(errs, errors.New("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY are required for the s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver))
	}
	switch strings.ToLower(c.VideoGen.RateLimiter) {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown VIDEO_RATE_LIMITER %q", c.VideoGen.RateLimiter))
	}
	if !c.App.IsDev() && c.ImageGen.APIKey == "" {
		errs = append(errs, errors.New("KIE_API_KEY is required outside dev"))
	}
	return errors.Join(errs...)
}

func mergedEnvironment() map[string]string {
	out := make(map[string]string, len(env.Env))
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && v != "" {
			out[k] = v
		}
	}
	for k, v := range env.Env {
		out[k] = v
	}
	return out
}
