// Package config resolves process configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled bool
	Driver  string
	Topic   string
	Brokers []string
	GroupID string
}

type RedisCfg struct {
	Enabled   bool
	Addr      string
	Namespace string
	TTL       time.Duration
	OpTimeout time.Duration
}

type MetricsCfg struct {
	Enabled bool
	Addr    string
	Path    string
}

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool
	LogSampleN int

	RemoteBaseURL string
	RemoteTimeout time.Duration

	CacheTTL           time.Duration
	SweepInterval      time.Duration
	DrainInterval      time.Duration
	MaxBatchSize       int
	MaxParallelBatches int

	GateSpeedThreshold float64
	GateQuietPeriod    time.Duration
	GateHalfLife       time.Duration

	Redis        RedisCfg
	Invalidation InvalidationCfg
	Metrics      MetricsCfg
}

func FromEnv() Config {
	parallel := getint("MAX_PARALLEL_BATCHES", 1)
	if parallel < 1 {
		parallel = 1
	}
	batch := getint("MAX_BATCH_SIZE", 0)
	if batch < 0 {
		batch = 0
	}

	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		LogSampleN: getint("LOG_SAMPLE_N", 0),

		RemoteBaseURL: strings.TrimRight(getenv("REMOTE_BASE_URL", "https://api.ethscriptions.com/api/ethscriptions"), "/"),
		RemoteTimeout: getduration("REMOTE_TIMEOUT", 10*time.Second),

		CacheTTL:           getduration("CACHE_TTL", 5*time.Minute),
		SweepInterval:      getduration("SWEEP_INTERVAL", time.Minute),
		DrainInterval:      getduration("DRAIN_INTERVAL", 50*time.Millisecond),
		MaxBatchSize:       batch,
		MaxParallelBatches: parallel,

		GateSpeedThreshold: getfloat("GATE_SPEED_THRESHOLD", 40),
		GateQuietPeriod:    getduration("GATE_QUIET_PERIOD", 500*time.Millisecond),
		GateHalfLife:       getduration("GATE_HALF_LIFE", 150*time.Millisecond),

		Redis: RedisCfg{
			Enabled:   getbool("REDIS_ENABLED", false),
			Addr:      getenv("REDIS_ADDR", "localhost:6379"),
			Namespace: getenv("REDIS_NAMESPACE", "gridcache"),
			TTL:       getduration("REDIS_TTL", 5*time.Minute),
			OpTimeout: getduration("REDIS_OP_TIMEOUT", 250*time.Millisecond),
		},
		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Driver:  strings.ToLower(getenv("INVALIDATION_DRIVER", "none")),
			Topic:   getenv("KAFKA_TOPIC", "ownership-changes"),
			Brokers: splitList(getenv("KAFKA_BROKERS", "localhost:9092")),
			GroupID: getenv("KAFKA_GROUP_ID", "gridcache-invalidator"),
		},
		Metrics: MetricsCfg{
			Enabled: getbool("METRICS_ENABLED", false),
			Addr:    getenv("METRICS_ADDR", ":9090"),
			Path:    getenv("METRICS_PATH", "/metrics"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// splits "a:9092, b:9092" dropping empty items
func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
