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

package common

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"
)

// UnknownEmployeeName is used when a record's user ID is absent from the
// enrolled user directory
const UnknownEmployeeName = "Unknown"

// DeviceDetails metadata describing one attendance terminal
type DeviceDetails struct {
	SerialNumber    string `json:"serial_number"`
	DeviceName      string `json:"device_name"`
	Platform        string `json:"platform"`
	FirmwareVersion string `json:"firmware_version"`
}

// EnrolledUser one entry of the terminal's enrolled user directory
type EnrolledUser struct {
	UserID int    `json:"user_id" validate:"gte=0"`
	Name   string `json:"name"`
	Role   int    `json:"role"`
}

// AttendanceRecord canonical enriched attendance event. Immutable once built.
//
// SourceDeviceSerial is only set on records arriving through push ingress;
// the pull protocol carries no device serial per record.
type AttendanceRecord struct {
	Serial             int       `json:"serial"`
	EmployeeID         int       `json:"employee_id"`
	EmployeeName       string    `json:"employee_name"`
	RecordTime         time.Time `json:"record_time"`
	Type               int       `json:"type"`
	State              int       `json:"state"`
	SourceDeviceSerial string    `json:"source_device_serial,omitempty"`
}

// String toString function
func (r AttendanceRecord) String() string {
	return fmt.Sprintf(
		"REC[S:%d U:%d @ %s]", r.Serial, r.EmployeeID, r.RecordTime.Format(time.RFC3339),
	)
}

// Snapshot the latest complete view of device metadata, enrolled users, and
// windowed attendance logs. Replaced wholesale on each reconciliation cycle.
type Snapshot struct {
	ProducedAt    time.Time          `json:"produced_at"`
	DeviceDetails *DeviceDetails     `json:"device_details"`
	Users         []EnrolledUser     `json:"users"`
	Logs          []AttendanceRecord `json:"logs"`
}

// ===============================================================================
// Events moving through the distribution channel

// Supported attendance event types
const (
	// EventTypeSnapshot a full snapshot produced by a reconciliation cycle
	EventTypeSnapshot = "snapshot"
	// EventTypePush records delivered by device-initiated push ingress
	EventTypePush = "push"
)

// AttendanceEvent one event published on the distribution channel
type AttendanceEvent struct {
	// Type is one of the event type constants
	Type string `json:"type" validate:"required,oneof=snapshot push"`
	// EmittedAt is when the event entered the distribution hub
	EmittedAt time.Time `json:"emitted_at"`
	// Snapshot is set on snapshot events
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	// Records is set on push events
	Records []AttendanceRecord `json:"records,omitempty"`
}

// String toString function
func (e AttendanceEvent) String() string {
	if e.Snapshot != nil {
		return fmt.Sprintf("EVENT[%s logs:%d]", e.Type, len(e.Snapshot.Logs))
	}
	return fmt.Sprintf("EVENT[%s records:%d]", e.Type, len(e.Records))
}

// EncodeEvent serialize an event into the compact binary wire encoding
func EncodeEvent(event AttendanceEvent) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&event); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeEvent deserialize an event from the compact binary wire encoding
func DecodeEvent(raw []byte) (AttendanceEvent, error) {
	var event AttendanceEvent
	err := gob.NewDecoder(bytes.NewBuffer(raw)).Decode(&event)
	return event, err
}
