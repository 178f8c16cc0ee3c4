package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	MinDrainBatchSize = 1
	MaxDrainBatchSize = 500
)

type Config struct {
	StorePath        string
	BackendURL       string
	AMQPUrl          string
	LogLevel         string
	LogFormat        string
	MetricsAddr      string
	DrainBatchSize   int
	BackoffFloor     time.Duration
	BackoffCap       time.Duration
	PeerStaleness    time.Duration
	MemberStaleness  time.Duration
	BroadcastEvery   time.Duration
	DedupCapacity    int
	LocalDisplayName string
}

func Load() *Config {
	_ = godotenv.Load()

	batchSize := getEnvInt("DRAIN_BATCH_SIZE", 100)

	if batchSize > MaxDrainBatchSize {
		slog.Warn("DRAIN_BATCH_SIZE exceeds safety limit. Clamping to maximum", "requested", batchSize, "limit", MaxDrainBatchSize)
		batchSize = MaxDrainBatchSize
	} else if batchSize < MinDrainBatchSize {
		batchSize = MinDrainBatchSize
	}

	return &Config{
		StorePath:        getEnv("STORE_PATH", "fieldsync.db"),
		BackendURL:       getEnv("BACKEND_URL", "http://localhost:8080/api/v1/events"),
		AMQPUrl:          getEnv("AMQP_URL", ""),
		LogLevel:         getEnv("LOG_LEVEL", "INFO"),
		LogFormat:        getEnv("LOG_FORMAT", "TEXT"),
		MetricsAddr:      getEnv("METRICS_ADDR", ":9091"),
		DrainBatchSize:   batchSize,
		BackoffFloor:     time.Duration(getEnvInt("BACKOFF_FLOOR_MS", 1000)) * time.Millisecond,
		BackoffCap:       time.Duration(getEnvInt("BACKOFF_CAP_SEC", 60)) * time.Second,
		PeerStaleness:    time.Duration(getEnvInt("PEER_STALENESS_SEC", 30)) * time.Second,
		MemberStaleness:  time.Duration(getEnvInt("MEMBER_STALENESS_SEC", 300)) * time.Second,
		BroadcastEvery:   time.Duration(getEnvInt("TEAM_BROADCAST_SEC", 30)) * time.Second,
		DedupCapacity:    getEnvInt("DEDUP_CAPACITY", 500),
		LocalDisplayName: getEnv("DISPLAY_NAME", "fieldsync-device"),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}
