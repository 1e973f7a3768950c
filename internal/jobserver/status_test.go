// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package jobserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{Waiting, "waiting"},
		{Running, "running"},
		{Paused, "paused"},
		{Steal, "steal"},
		{Stealing, "stealing"},
		{Finished, "finished"},
		{Failed, "failed"},
		{Archived, "archived"},
		{Kind(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.String())
		})
	}
}

func TestStatus_String(t *testing.T) {
	worker := NewWorkerHandle("w1", nil)

	tests := []struct {
		name   string
		status Status
		want   string
	}{
		{"waiting", Status{Kind: Waiting}, "waiting"},
		{"running", Status{Kind: Running, Worker: worker}, "running(w1)"},
		{"paused", Status{Kind: Paused, Worker: worker}, "paused(w1)"},
		{"steal", Status{Kind: Steal, PauseData: []byte("abcd")}, "steal(4B)"},
		{"stealing", Status{Kind: Stealing, Worker: worker, PauseData: []byte("abcd")}, "stealing(4B,w1)"},
		{"finished", Status{Kind: Finished}, "finished"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestStatus_Runnable(t *testing.T) {
	tests := []struct {
		name        string
		status      Status
		clientCount int
		want        bool
	}{
		{"waiting with clients", Status{Kind: Waiting}, 1, true},
		{"waiting no clients", Status{Kind: Waiting}, 0, false},
		{"steal with clients", Status{Kind: Steal}, 2, true},
		{"running never runnable", Status{Kind: Running}, 1, false},
		{"paused never runnable", Status{Kind: Paused}, 1, false},
		{"finished never runnable", Status{Kind: Finished}, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Runnable(tt.clientCount))
		})
	}
}

func TestStatus_Terminal(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{Waiting, false},
		{Running, false},
		{Paused, false},
		{Steal, false},
		{Stealing, false},
		{Finished, true},
		{Failed, true},
		{Archived, true},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Status{Kind: tt.kind}.Terminal())
		})
	}
}
