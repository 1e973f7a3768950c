// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package deperrors

import (
	stderrors "errors"
	"context"
)

// WrapError converts a generic error into a structured DepoError, classifying
// context cancellation/deadlines the same way upstream call sites already
// check for them.
func WrapError(err error) *DepoError {
	if err == nil {
		return nil
	}

	var depoErr *DepoError
	if stderrors.As(err, &depoErr) {
		return depoErr
	}

	if stderrors.Is(err, context.Canceled) {
		return Wrap(ErrCodeContextCanceled, "operation was canceled", err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return Wrap(ErrCodeDeadlineExceeded, "operation timed out", err)
	}

	return Wrap(ErrCodeUnknown, err.Error(), err)
}

// ProtocolViolation builds a non-fatal protocol-violation error for a given
// job name: drop the offending content, log, continue.
func ProtocolViolation(jobName, message string) *DepoError {
	return New(ErrCodeProtocolViolation, message).WithJob(jobName)
}

// InvariantViolation builds the one class of error that is fatal to the
// scheduler: an impossible state transition observed in practice.
func InvariantViolation(message string) *DepoError {
	return New(ErrCodeInvariantViolation, message)
}
