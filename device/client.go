// Copyright 2025-2026 The biosync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package device

import (
	"context"
	"fmt"
	"time"

	"github.com/pklau/biosync/common"
)

// RawRecord one attendance record as read off the terminal, prior to
// enrichment by the reconciliation engine
type RawRecord struct {
	Serial    int       `json:"serial"`
	UserID    int       `json:"user_id"`
	Timestamp time.Time `json:"record_time"`
	Type      int       `json:"type"`
	State     int       `json:"state"`
}

// Client is the capability surface of one attendance terminal.
//
// The client never retries on its own; retry policy belongs to the
// reconciliation engine. Each call may fail independently.
type Client interface {
	// Connect establish the single outbound connection to the terminal
	Connect(ctxt context.Context) error
	// FetchDeviceMetadata read the terminal's identity metadata
	FetchDeviceMetadata(ctxt context.Context) (*common.DeviceDetails, error)
	// FetchUsers read the full enrolled user directory
	FetchUsers(ctxt context.Context) ([]common.EnrolledUser, error)
	// FetchAttendance read the terminal's attendance log, normalized into
	// one canonical ordered sequence
	FetchAttendance(ctxt context.Context) ([]RawRecord, error)
	// IsHealthy non-blocking liveness check of the underlying connection
	IsHealthy() bool
	// Close tear down the connection. Safe to call repeatedly.
	Close()
}

// ===============================================================================
// Error taxonomy

// ConnectError the terminal was unreachable or refused the connection
type ConnectError struct {
	Endpoint string
	Cause    error
}

// Error implements error
func (e ConnectError) Error() string {
	return fmt.Sprintf("unable to connect to terminal %s: %s", e.Endpoint, e.Cause)
}

// Unwrap support errors.Is / errors.As
func (e ConnectError) Unwrap() error {
	return e.Cause
}

// FetchError an operation against a connected terminal failed
type FetchError struct {
	Op      string
	Timeout bool
	Cause   error
}

// Error implements error
func (e FetchError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("terminal %s timed out: %s", e.Op, e.Cause)
	}
	return fmt.Sprintf("terminal %s failed: %s", e.Op, e.Cause)
}

// Unwrap support errors.Is / errors.As
func (e FetchError) Unwrap() error {
	return e.Cause
}
