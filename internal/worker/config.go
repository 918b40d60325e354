package worker

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("invalid worker config")

// Config tunes the background job pool. Zero values mean defaults, so a
// bare Config{} is a valid monolith setup with every job enabled.
type Config struct {
	// RunInterval is the pause between full passes over the job list.
	RunInterval time.Duration
	// BatchSize caps how many payments a single job pass claims.
	BatchSize int

	// ConfirmationMinAge keeps just-created payments out of the
	// confirmation scan; the buyer usually hasn't paid yet.
	ConfirmationMinAge time.Duration
	// MaxVerificationWait flags (not fails) payments whose submitted
	// reference never resolved.
	MaxVerificationWait time.Duration

	// ReconcileInterval gates the reconciliation job to its own, slower
	// cadence inside the shared run loop.
	ReconcileInterval time.Duration

	// SweepLockTTL bounds how long a crashed sweeper can hold the
	// single-submitter lock.
	SweepLockTTL time.Duration

	// EnabledJobs limits the pool to the named jobs; empty enables all.
	EnabledJobs []string
}

func (c Config) withDefaults() Config {
	if c.RunInterval <= 0 {
		c.RunInterval = 15 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ConfirmationMinAge <= 0 {
		c.ConfirmationMinAge = 30 * time.Second
	}
	if c.MaxVerificationWait <= 0 {
		c.MaxVerificationWait = 6 * time.Hour
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 1 * time.Hour
	}
	if c.SweepLockTTL <= 0 {
		c.SweepLockTTL = 5 * time.Minute
	}
	return c
}

// ConfigFromEnv reads worker tuning from the environment, mirroring how
// the rest of the app is configured.
func ConfigFromEnv() Config {
	return Config{
		RunInterval:         envDuration("WORKER_RUN_INTERVAL"),
		BatchSize:           envInt("WORKER_BATCH_SIZE"),
		ConfirmationMinAge:  envDuration("WORKER_CONFIRMATION_MIN_AGE"),
		MaxVerificationWait: envDuration("WORKER_MAX_VERIFICATION_WAIT"),
		ReconcileInterval:   envDuration("WORKER_RECONCILE_INTERVAL"),
		SweepLockTTL:        envDuration("WORKER_SWEEP_LOCK_TTL"),
		EnabledJobs:         envList("WORKER_ENABLED_JOBS"),
	}.withDefaults()
}

func envDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func envInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envList(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
