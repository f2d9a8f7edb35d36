/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	MetricsBind string
	InstanceID  string

	DBBackend DatabaseBackend
	DBDSN     string

	// Clip collection served by this instance.
	CollectionID string
	MediaRoot    string

	// Playback engine tuning.
	RefreshInterval time.Duration // poll interval for collection mutations
	ErrorSkipDelay  time.Duration // delay before skipping a failed clip
	TargetLoudness  float64       // reference loudness for gain correction
	AutoStart       bool          // start playback without an explicit start call

	// GStreamer media layer.
	GStreamerBin string
	AudioSink    string // sink element, e.g. autoaudiosink, pulsesink, alsasink
	SampleRate   int
	Channels     int

	// Loudness analyzer.
	AnalyzerEnabled  bool
	AnalyzerInterval time.Duration

	// Redis (clip list cache + cross-instance event bridge).
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	CacheEnabled       bool
	EventBridgeEnabled bool

	// S3 locator resolution (clips stored as "s3:<key>").
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string // for S3-compatible services (MinIO, Spaces, etc.)
	S3UsePathStyle    bool   // required for MinIO
	S3PresignTTL      time.Duration
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("CLIPLOOP_ENV", "development"),
		HTTPBind:    getEnv("CLIPLOOP_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("CLIPLOOP_HTTP_PORT", 8080),
		MetricsBind: getEnv("CLIPLOOP_METRICS_BIND", "127.0.0.1:9000"),
		InstanceID:  getEnv("CLIPLOOP_INSTANCE_ID", ""),

		DBBackend: DatabaseBackend(getEnv("CLIPLOOP_DB_BACKEND", string(DatabaseSQLite))),
		DBDSN:     getEnv("CLIPLOOP_DB_DSN", "cliploop.db"),

		CollectionID: getEnv("CLIPLOOP_COLLECTION_ID", "default"),
		MediaRoot:    getEnv("CLIPLOOP_MEDIA_ROOT", "./media"),

		RefreshInterval: getEnvDuration("CLIPLOOP_REFRESH_INTERVAL", 5*time.Second),
		ErrorSkipDelay:  getEnvDuration("CLIPLOOP_ERROR_SKIP_DELAY", 500*time.Millisecond),
		TargetLoudness:  getEnvFloat("CLIPLOOP_TARGET_LOUDNESS", -16.0),
		AutoStart:       getEnvBool("CLIPLOOP_AUTO_START", true),

		GStreamerBin: getEnv("CLIPLOOP_GSTREAMER_BIN", "gst-launch-1.0"),
		AudioSink:    getEnv("CLIPLOOP_AUDIO_SINK", "autoaudiosink"),
		SampleRate:   getEnvInt("CLIPLOOP_SAMPLE_RATE", 44100),
		Channels:     getEnvInt("CLIPLOOP_CHANNELS", 2),

		AnalyzerEnabled:  getEnvBool("CLIPLOOP_ANALYZER_ENABLED", true),
		AnalyzerInterval: getEnvDuration("CLIPLOOP_ANALYZER_INTERVAL", 30*time.Second),

		RedisAddr:          getEnv("CLIPLOOP_REDIS_ADDR", "localhost:6379"),
		RedisPassword:      getEnv("CLIPLOOP_REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("CLIPLOOP_REDIS_DB", 0),
		CacheEnabled:       getEnvBool("CLIPLOOP_CACHE_ENABLED", false),
		EventBridgeEnabled: getEnvBool("CLIPLOOP_EVENT_BRIDGE_ENABLED", false),

		S3AccessKeyID:     getEnv("CLIPLOOP_S3_ACCESS_KEY_ID", os.Getenv("AWS_ACCESS_KEY_ID")),
		S3SecretAccessKey: getEnv("CLIPLOOP_S3_SECRET_ACCESS_KEY", os.Getenv("AWS_SECRET_ACCESS_KEY")),
		S3Region:          getEnv("CLIPLOOP_S3_REGION", "us-east-1"),
		S3Bucket:          getEnv("CLIPLOOP_S3_BUCKET", ""),
		S3Endpoint:        getEnv("CLIPLOOP_S3_ENDPOINT", ""),
		S3UsePathStyle:    getEnvBool("CLIPLOOP_S3_USE_PATH_STYLE", false),
		S3PresignTTL:      getEnvDuration("CLIPLOOP_S3_PRESIGN_TTL", 15*time.Minute),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("CLIPLOOP_DB_DSN must be provided")
	}

	if cfg.RefreshInterval < time.Second {
		return nil, fmt.Errorf("CLIPLOOP_REFRESH_INTERVAL must be at least 1s, got %s", cfg.RefreshInterval)
	}

	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, fmt.Errorf("sample rate and channels must be positive")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(strings.TrimSpace(val))
		if val == "true" || val == "1" || val == "yes" {
			return true
		}
		if val == "false" || val == "0" || val == "no" {
			return false
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}
