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

package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/pklau/biosync/common"
	"github.com/pklau/biosync/device"
	"github.com/pklau/biosync/hub"
)

// ConnState connectivity state of the terminal link
type ConnState string

// Terminal connectivity states
const (
	StateOffline    ConnState = "offline"
	StateConnecting ConnState = "connecting"
	StateActive     ConnState = "active"
	StateDegraded   ConnState = "degraded"
)

// UserDirectory read-only lookup into the enrolled user directory
type UserDirectory interface {
	// UserName resolve a user ID to a display name. Unknown IDs resolve to
	// common.UnknownEmployeeName, never an error.
	UserName(userID int) string
}

// Engine device-state reconciliation engine. Owns the terminal link, the
// enrolled user directory, and the production of canonical snapshots.
//
// All state transitions happen on the reconciliation tick; ticks are driven
// by one interval timer and never overlap. No failure escapes a tick; one
// failure degrades state and the next tick retries.
type Engine interface {
	UserDirectory
	// Start run one reconciliation pass immediately, then at every interval
	Start(wg *sync.WaitGroup) error
	// Stop halt the reconciliation timer
	Stop() error
	// PerformSync execute one reconciliation tick
	PerformSync()
	// State current terminal connectivity state
	State() ConnState
	// LastSuccess when a reconciliation cycle last completed
	LastSuccess() time.Time
	// LastFailure reason of the most recent failed cycle, nil after recovery
	LastFailure() error
}

// engineImpl implements Engine
type engineImpl struct {
	common.Component
	client    device.Client
	hub       hub.Hub
	config    common.ReconcileConfig
	opContext context.Context
	timer     common.IntervalTimer
	// lock guards the fields below against readers outside the tick
	lock         *sync.RWMutex
	state        ConnState
	users        map[int]common.EnrolledUser
	userList     []common.EnrolledUser
	details      *common.DeviceDetails
	lastSuccess  time.Time
	lastFailure  error
	outageLogged bool
	timeSource   func() time.Time
}

// GetReconciliationEngine define a reconciliation engine against one terminal
func GetReconciliationEngine(
	ctxt context.Context,
	client device.Client,
	distHub hub.Hub,
	config common.ReconcileConfig,
) (Engine, error) {
	logTags := log.Fields{
		"module":    "reconcile",
		"component": "engine",
	}
	return &engineImpl{
		Component:  common.Component{LogTags: logTags},
		client:     client,
		hub:        distHub,
		config:     config,
		opContext:  ctxt,
		timer:      nil,
		lock:       &sync.RWMutex{},
		state:      StateOffline,
		users:      make(map[int]common.EnrolledUser),
		userList:   nil,
		details:    nil,
		timeSource: time.Now,
	}, nil
}

// Start run one reconciliation pass immediately, then at every interval
func (e *engineImpl) Start(wg *sync.WaitGroup) error {
	timer, err := common.GetIntervalTimerInstance("reconcile", e.opContext, wg)
	if err != nil {
		log.WithError(err).WithFields(e.LogTags).Error("Unable to define tick timer")
		return err
	}
	e.timer = timer
	e.PerformSync()
	return timer.Start(
		time.Second*time.Duration(e.config.PollInterval), func() error {
			e.PerformSync()
			return nil
		}, false,
	)
}

// Stop halt the reconciliation timer
func (e *engineImpl) Stop() error {
	if e.timer != nil {
		return e.timer.Stop()
	}
	return nil
}

// PerformSync execute one reconciliation tick
func (e *engineImpl) PerformSync() {
	defer func() {
		// A tick failure degrades state but must never take the process down
		if p := recover(); p != nil {
			log.WithFields(e.LogTags).Errorf("Reconciliation tick panicked: %v", p)
		}
	}()
	if e.State() != StateActive {
		if !e.reconnect() {
			return
		}
	}
	e.pullAttendance()
}

// reconnect attempt to (re)establish the terminal link. Returns true on
// success. Repeat failures during a sustained outage are logged only once.
func (e *engineImpl) reconnect() bool {
	quiet := e.outageOngoing()
	e.transitionTo(StateConnecting, quiet)
	if err := e.client.Connect(e.opContext); err != nil {
		e.recordFailure(err)
		e.transitionTo(StateOffline, true)
		return false
	}
	e.refreshDirectory()
	e.transitionTo(StateActive, false)
	return true
}

// refreshDirectory re-read device metadata and the enrolled user directory.
// Both are best-effort; on failure the previous cached copies stay in place.
// A successful read replaces the directory wholesale.
func (e *engineImpl) refreshDirectory() {
	if details, err := e.client.FetchDeviceMetadata(e.opContext); err != nil {
		log.WithError(err).WithFields(e.LogTags).Warn(
			"Device metadata fetch failed. Keeping cached copy",
		)
	} else {
		e.lock.Lock()
		e.details = details
		e.lock.Unlock()
	}

	if users, err := e.client.FetchUsers(e.opContext); err != nil {
		log.WithError(err).WithFields(e.LogTags).Warn(
			"User directory fetch failed. Keeping cached copy",
		)
	} else {
		byID := make(map[int]common.EnrolledUser, len(users))
		for _, user := range users {
			byID[user.UserID] = user
		}
		e.lock.Lock()
		e.users = byID
		e.userList = users
		e.lock.Unlock()
		log.WithFields(e.LogTags).Infof("Refreshed user directory with %d entries", len(users))
	}
}

// pullAttendance run the attendance fetch half of an active tick
func (e *engineImpl) pullAttendance() {
	if !e.client.IsHealthy() {
		e.degrade(fmt.Errorf("terminal connection is no longer healthy"))
		return
	}
	raw, err := e.client.FetchAttendance(e.opContext)
	if err != nil {
		e.degrade(err)
		return
	}

	now := e.timeSource()
	snapshot := &common.Snapshot{
		ProducedAt:    now,
		DeviceDetails: e.deviceDetails(),
		Users:         e.enrolledUsers(),
		Logs:          e.buildRecords(raw, now),
	}
	if err := e.hub.UpdateSnapshot(e.opContext, snapshot); err != nil {
		log.WithError(err).WithFields(e.LogTags).Error("Unable to hand snapshot to hub")
	}

	e.lock.Lock()
	e.lastSuccess = now
	e.lastFailure = nil
	e.outageLogged = false
	e.lock.Unlock()
}

// buildRecords normalize, window, dedup, and enrich one pulled payload.
//
// The calendar-year window is pinned to UTC, matching the zone pulled
// timestamps parse in; the server's local zone never shifts the boundary.
func (e *engineImpl) buildRecords(
	raw []device.RawRecord, now time.Time,
) []common.AttendanceRecord {
	applyWindow := e.config.FilterPolicy == "calendar_year"
	// Inclusive lower bound: a record exactly at Jan 1 00:00:00 UTC stays
	windowStart := time.Date(now.UTC().Year(), time.January, 1, 0, 0, 0, 0, time.UTC)

	records := make([]common.AttendanceRecord, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, entry := range raw {
		if applyWindow &&
			(entry.Timestamp.Before(windowStart) || entry.Timestamp.After(now)) {
			continue
		}
		key := fmt.Sprintf("%d/%d/%d", entry.Serial, entry.UserID, entry.Timestamp.Unix())
		if seen[key] {
			continue
		}
		seen[key] = true
		records = append(records, common.AttendanceRecord{
			Serial:       entry.Serial,
			EmployeeID:   entry.UserID,
			EmployeeName: e.UserName(entry.UserID),
			RecordTime:   entry.Timestamp,
			Type:         entry.Type,
			State:        entry.State,
		})
	}
	return records
}

// degrade record a cycle failure and force a fresh connection on next tick
func (e *engineImpl) degrade(cause error) {
	e.recordFailure(cause)
	e.transitionTo(StateDegraded, e.outageOngoing())
	// Destroy the link so the next tick goes back through Connecting rather
	// than reusing a half-open socket
	e.client.Close()
}

// recordFailure remember the failure reason; report the first failure of an
// outage at error level and the rest quietly
func (e *engineImpl) recordFailure(cause error) {
	e.lock.Lock()
	alreadyLogged := e.outageLogged
	e.lastFailure = cause
	e.outageLogged = true
	e.lock.Unlock()
	if alreadyLogged {
		log.WithError(cause).WithFields(e.LogTags).Debug("Terminal still unreachable")
	} else {
		log.WithError(cause).WithFields(e.LogTags).Error("Terminal reconciliation failed")
	}
}

// transitionTo move the connectivity state machine. A real change is logged
// exactly once; quiet transitions (sustained outages) log at debug only.
func (e *engineImpl) transitionTo(to ConnState, quiet bool) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.state == to {
		return
	}
	if quiet {
		log.WithFields(e.LogTags).Debugf("Connectivity %s -> %s", e.state, to)
	} else {
		log.WithFields(e.LogTags).Infof("Connectivity %s -> %s", e.state, to)
	}
	e.state = to
}

// outageOngoing whether a failure has already been reported for the current
// outage
func (e *engineImpl) outageOngoing() bool {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.outageLogged
}

// deviceDetails cached terminal metadata
func (e *engineImpl) deviceDetails() *common.DeviceDetails {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.details
}

// enrolledUsers cached user directory as a list
func (e *engineImpl) enrolledUsers() []common.EnrolledUser {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.userList
}

// UserName resolve a user ID to a display name
func (e *engineImpl) UserName(userID int) string {
	e.lock.RLock()
	defer e.lock.RUnlock()
	if user, ok := e.users[userID]; ok {
		return user.Name
	}
	return common.UnknownEmployeeName
}

// State current terminal connectivity state
func (e *engineImpl) State() ConnState {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.state
}

// LastSuccess when a reconciliation cycle last completed
func (e *engineImpl) LastSuccess() time.Time {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.lastSuccess
}

// LastFailure reason of the most recent failed cycle
func (e *engineImpl) LastFailure() error {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.lastFailure
}
