// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package config

import "errors"

var (
	// ErrMissingArchiveDir is returned when the archive directory is not set.
	ErrMissingArchiveDir = errors.New("archive directory is required")

	// ErrInvalidCleanupInterval is returned when the Janitor interval is invalid.
	ErrInvalidCleanupInterval = errors.New("cleanup interval must be greater than 0")

	// ErrInvalidMaxJobAge is returned when the max job age is invalid.
	ErrInvalidMaxJobAge = errors.New("max job age must be greater than 0")

	// ErrInvalidTimeout is returned when a client or worker timeout is invalid.
	ErrInvalidTimeout = errors.New("client and worker timeouts must be greater than 0")

	// ErrInvalidMaxFrameBytes is returned when the frame size limit is invalid.
	ErrInvalidMaxFrameBytes = errors.New("max frame bytes must be greater than 0")
)
