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

package ingress

import (
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/pklau/biosync/common"
)

// CommandStore keyed store of pending commands for devices polling over
// push ingress, plus per-device heartbeat bookkeeping
type CommandStore interface {
	// Heartbeat record a registration / heartbeat callback from a device
	Heartbeat(deviceSerial string, timestamp time.Time)
	// LastSeen when the device was last heard from
	LastSeen(deviceSerial string) (time.Time, bool)
	// QueueCommand set the pending command for a device
	QueueCommand(deviceSerial, command string)
	// NextCommand pop the pending command for a device; empty string when
	// nothing is queued
	NextCommand(deviceSerial string) string
}

// commandStoreImpl implements CommandStore
type commandStoreImpl struct {
	common.Component
	lock     *sync.Mutex
	pending  map[string]string
	lastSeen map[string]time.Time
}

// GetCommandStore define a CommandStore
func GetCommandStore() (CommandStore, error) {
	logTags := log.Fields{
		"module": "ingress", "component": "command-store",
	}
	return &commandStoreImpl{
		Component: common.Component{LogTags: logTags},
		lock:      &sync.Mutex{},
		pending:   make(map[string]string),
		lastSeen:  make(map[string]time.Time),
	}, nil
}

// Heartbeat record a registration / heartbeat callback from a device
func (s *commandStoreImpl) Heartbeat(deviceSerial string, timestamp time.Time) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, seen := s.lastSeen[deviceSerial]; !seen {
		log.WithFields(s.LogTags).Infof("Device %s registered", deviceSerial)
	}
	s.lastSeen[deviceSerial] = timestamp
}

// LastSeen when the device was last heard from
func (s *commandStoreImpl) LastSeen(deviceSerial string) (time.Time, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	at, ok := s.lastSeen[deviceSerial]
	return at, ok
}

// QueueCommand set the pending command for a device
func (s *commandStoreImpl) QueueCommand(deviceSerial, command string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.pending[deviceSerial] = command
}

// NextCommand pop the pending command for a device
func (s *commandStoreImpl) NextCommand(deviceSerial string) string {
	s.lock.Lock()
	defer s.lock.Unlock()
	command, ok := s.pending[deviceSerial]
	if !ok {
		return ""
	}
	delete(s.pending, deviceSerial)
	return command
}
