package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// DetectionInterval is the scheduler tick. Zero disables the in-process scheduler
// (runs then come only from POST /detect or the pubsub push trigger).
//
// Set via env:
// - DETECTION_INTERVAL_SECONDS=900
func DetectionInterval() time.Duration {
	return time.Duration(intFromEnv("DETECTION_INTERVAL_SECONDS", 900)) * time.Second
}

// DetectionRunTimeout bounds a single tenant run. Detectors not reached before
// the deadline are picked up on the next pass.
func DetectionRunTimeout() time.Duration {
	secs := intFromEnv("DETECTION_RUN_TIMEOUT_SECONDS", 120)
	if secs <= 0 {
		secs = 120
	}
	return time.Duration(secs) * time.Second
}

// DetectionParallelism is how many detectors run at once inside one tenant run.
// 1 means sequential.
func DetectionParallelism() int {
	n := intFromEnv("DETECTION_PARALLELISM", 3)
	if n < 1 {
		return 1
	}
	return n
}

// AutoUnsnooze returns snoozed exceptions to open once snoozed_until has passed.
//
// Set via env:
// - AUTO_UNSNOOZE=false to keep them snoozed until a human acts.
func AutoUnsnooze() bool {
	return boolFromEnv("AUTO_UNSNOOZE", true)
}

func SkipMigrations() bool {
	return boolFromEnv("SKIP_MIGRATIONS", false)
}

func IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
}

func boolFromEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	}
	return def
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
