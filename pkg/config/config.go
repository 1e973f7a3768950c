// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package config holds the server-context configuration for the deposition
// dispatch core: a single Config value is constructed once at startup and
// threaded through the server, archive store, and janitor, rather than
// living as global process-wide state.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds configuration for the job server.
type Config struct {
	// ArchiveDir is where completed/resumable jobs are persisted by the
	// Archive Store.
	ArchiveDir string

	// ResourcesDir is where shared simulator resources (molecule
	// templates, force fields, ...) live. Opaque to the core: nothing in
	// this module reads it or forwards it to workers.
	ResourcesDir string

	// WorkDir is the parent directory for job working directories. It is
	// loaded and exposed only; nothing in this module reads it, and
	// Deposition.WorkDirectory is not derived from it.
	WorkDir string

	// CleanupInterval is how often the Janitor sweeps the
	// registry.
	CleanupInterval time.Duration

	// MaxJobAge is how long a job may sit idle and client-less before the
	// Janitor archives or evicts it.
	MaxJobAge time.Duration

	// ClientHeartbeatInterval is the ping cadence for client sessions.
	ClientHeartbeatInterval time.Duration

	// ClientTimeout is how long a client session may go without activity
	// before it is considered dead.
	ClientTimeout time.Duration

	// WorkerHeartbeatInterval is the ping cadence for worker sessions.
	WorkerHeartbeatInterval time.Duration

	// WorkerTimeout is how long a worker session may go without activity
	// before it is considered dead.
	WorkerTimeout time.Duration

	// StealTimeout bounds how long a Stealing(D,W) job waits for a Resume
	// before reverting to Steal(D). Zero disables the timer.
	StealTimeout time.Duration

	// MaxFrameBytes caps the size of a single wire frame, guarding
	// against a misbehaving worker trying to send an unbounded segment.
	MaxFrameBytes int64

	// MaxArchiveRetries bounds how many times a failed archive write is
	// retried before the job's timestamp is refreshed and the attempt is
	// deferred until the Janitor next finds the job idle.
	MaxArchiveRetries int

	// Debug enables debug-level logging.
	Debug bool
}

// NewDefault creates a new configuration with the dispatch core's default
// cadences and paths.
func NewDefault() *Config {
	return &Config{
		ArchiveDir:              getEnvOrDefault("DEPO_ARCHIVE_DIR", "./archive"),
		ResourcesDir:            getEnvOrDefault("DEPO_RESOURCES_DIR", "./resources"),
		WorkDir:                 getEnvOrDefault("DEPO_WORK_DIR", "./working"),
		CleanupInterval:         150 * time.Second,
		MaxJobAge:               300 * time.Second,
		ClientHeartbeatInterval: 10 * time.Second,
		ClientTimeout:           30 * time.Second,
		WorkerHeartbeatInterval: 10 * time.Second,
		WorkerTimeout:           90 * time.Second,
		StealTimeout:            30 * time.Second,
		MaxFrameBytes:           64 << 20, // 64 MiB
		MaxArchiveRetries:       3,
		Debug:                   getEnvBoolOrDefault("DEPO_DEBUG", false),
	}
}

// Load overlays environment variables onto an existing Config.
func (c *Config) Load() {
	if dir := os.Getenv("DEPO_ARCHIVE_DIR"); dir != "" {
		c.ArchiveDir = dir
	}
	if dir := os.Getenv("DEPO_RESOURCES_DIR"); dir != "" {
		c.ResourcesDir = dir
	}
	if dir := os.Getenv("DEPO_WORK_DIR"); dir != "" {
		c.WorkDir = dir
	}
	if d := getEnvDuration("DEPO_CLEANUP_INTERVAL"); d > 0 {
		c.CleanupInterval = d
	}
	if d := getEnvDuration("DEPO_MAX_JOB_AGE"); d > 0 {
		c.MaxJobAge = d
	}
	if d := getEnvDuration("DEPO_CLIENT_HEARTBEAT_INTERVAL"); d > 0 {
		c.ClientHeartbeatInterval = d
	}
	if d := getEnvDuration("DEPO_CLIENT_TIMEOUT"); d > 0 {
		c.ClientTimeout = d
	}
	if d := getEnvDuration("DEPO_WORKER_HEARTBEAT_INTERVAL"); d > 0 {
		c.WorkerHeartbeatInterval = d
	}
	if d := getEnvDuration("DEPO_WORKER_TIMEOUT"); d > 0 {
		c.WorkerTimeout = d
	}
	if raw := os.Getenv("DEPO_STEAL_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			c.StealTimeout = d
		}
	}
	if v := os.Getenv("DEPO_MAX_FRAME_BYTES"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxFrameBytes = i
		}
	}
	if v := os.Getenv("DEPO_MAX_ARCHIVE_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.MaxArchiveRetries = i
		}
	}
	c.Debug = getEnvBoolOrDefault("DEPO_DEBUG", c.Debug)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ArchiveDir == "" {
		return ErrMissingArchiveDir
	}
	if c.CleanupInterval <= 0 {
		return ErrInvalidCleanupInterval
	}
	if c.MaxJobAge <= 0 {
		return ErrInvalidMaxJobAge
	}
	if c.ClientTimeout <= 0 || c.WorkerTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.MaxFrameBytes <= 0 {
		return ErrInvalidMaxFrameBytes
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return 0
}
