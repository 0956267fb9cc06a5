package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

type Config struct {
	Port            string
	TokenEndpoint   string
	TokenUser       string
	TokenPassword   string
	JobTimeout      time.Duration
	FrameSize       int
	MaxUploadMB     int
	AllowedOrigins  []string
	LogJSON         bool
	LogLevel        string
	JWTSecret       string
	AwsAccessKey    string
	AwsSecretKey    string
	AwsRegion       string
	ArchiveBucket   string
	ShutdownTimeout time.Duration
}

// LoadConfig loads the environment variables and return config
func LoadConfig() (*Config, error) {

	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		TokenEndpoint:  getEnv("TOKEN_ENDPOINT", ""),
		TokenUser:      getEnv("TOKEN_USER", ""),
		TokenPassword:  getEnv("TOKEN_PASSWORD", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		AwsAccessKey:   getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey:   getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:      getEnv("AWS_REGION", "us-east-2"),
		ArchiveBucket:  getEnv("ARCHIVE_BUCKET", ""),
	}

	var err error
	if cfg.JobTimeout, err = getEnvDuration("JOB_TIMEOUT", 30*time.Minute); err != nil {
		errs = append(errs, err)
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		errs = append(errs, err)
	}
	if cfg.FrameSize, err = getEnvInt("UPLOAD_FRAME_SIZE", 64*1024); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxUploadMB, err = getEnvInt("MAX_UPLOAD_MB", 52); err != nil {
		errs = append(errs, err)
	}
	if cfg.LogJSON, err = getEnvBool("LOG_JSON", false); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if cfg.FrameSize <= 0 {
		return nil, errors.Newf("UPLOAD_FRAME_SIZE must be positive, got %d", cfg.FrameSize)
	}
	if cfg.JobTimeout <= 0 {
		return nil, errors.Newf("JOB_TIMEOUT must be positive, got %s", cfg.JobTimeout)
	}
	if cfg.TokenEndpoint != "" && (cfg.TokenUser == "" || cfg.TokenPassword == "") {
		return nil, errors.New("TOKEN_USER and TOKEN_PASSWORD are required when TOKEN_ENDPOINT is set")
	}

	return cfg, nil
}

// ArchiveEnabled reports whether uploaded documents should be copied to S3.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveBucket != "" && c.AwsAccessKey != "" && c.AwsSecretKey != ""
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) (int, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, errors.Wrapf(err, "%s=%q is not an int", key, v)
	}
	return n, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, errors.Wrapf(err, "%s=%q is not a bool", key, v)
	}
	return b, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, errors.Wrapf(err, "%s=%q is not a duration", key, v)
	}
	return d, nil
}

func getEnvList(key string, def []string) []string {
	v := strings.TrimSpace(getEnv(key, ""))
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
