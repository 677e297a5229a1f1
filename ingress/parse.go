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
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/pklau/biosync/common"
)

// RecordMarker prefix of attendance lines within a push body
const RecordMarker = "ATTLOG"

// DefaultDeviceSerial used when a push request carries no device serial
const DefaultDeviceSerial = "unknown"

// pushTimeLayouts accepted record timestamp encodings within a push body
var pushTimeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05"}

var parserLogTags = log.Fields{
	"module": "ingress", "component": "push-parser",
}

// ParsePushBody parse a device-initiated push body into attendance records.
//
// The body is newline-delimited text; lines starting with the record marker
// are tokenized by comma into (marker, userId, recordTime, type, state).
// Lines not matching the marker, or with a malformed field, are skipped and
// processing continues with the remaining lines.
func ParsePushBody(deviceSerial string, body string) []common.AttendanceRecord {
	if deviceSerial == "" {
		deviceSerial = DefaultDeviceSerial
	}
	records := make([]common.AttendanceRecord, 0)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		fields := strings.Split(line, ",")
		if len(fields) < 3 || strings.TrimSpace(fields[0]) != RecordMarker {
			continue
		}
		userID, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			log.WithError(err).WithFields(parserLogTags).Debugf(
				"Dropping push line with bad user ID '%s'", fields[1],
			)
			continue
		}
		ts, err := parsePushTime(strings.TrimSpace(fields[2]))
		if err != nil {
			log.WithError(err).WithFields(parserLogTags).Debugf(
				"Dropping push line with bad timestamp '%s'", fields[2],
			)
			continue
		}
		record := common.AttendanceRecord{
			EmployeeID:         userID,
			RecordTime:         ts,
			SourceDeviceSerial: deviceSerial,
		}
		if len(fields) > 3 {
			if parsed, err := strconv.Atoi(strings.TrimSpace(fields[3])); err == nil {
				record.Type = parsed
			}
		}
		if len(fields) > 4 {
			if parsed, err := strconv.Atoi(strings.TrimSpace(fields[4])); err == nil {
				record.State = parsed
			}
		}
		records = append(records, record)
	}
	return records
}

// parsePushTime parse a push timestamp against the accepted layouts
func parsePushTime(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range pushTimeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}
