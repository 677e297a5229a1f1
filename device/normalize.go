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
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// The terminal firmware is inconsistent about the shape of an attendance
// fetch response. Three shapes are seen in the field:
//
//	[ {...}, {...} ]
//	{ "data": [ {...}, {...} ] }
//	{ "1": {...}, "2": {...} }
//
// NormalizeRecords accepts all three and always yields one canonical ordered
// sequence, so downstream code never re-inspects shape.

// wireRecord attendance record as encoded by the terminal
type wireRecord struct {
	Serial    int    `json:"serial"`
	UserID    int    `json:"user_id"`
	Timestamp string `json:"record_time"`
	Type      int    `json:"type"`
	State     int    `json:"state"`
}

// wireTimeLayouts accepted record timestamp encodings
var wireTimeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05"}

// parseWireTime parse a record timestamp against the accepted layouts
func parseWireTime(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range wireTimeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

// convertWireRecords convert decoded wire records into RawRecord
func convertWireRecords(entries []wireRecord) ([]RawRecord, error) {
	results := make([]RawRecord, 0, len(entries))
	for _, entry := range entries {
		ts, err := parseWireTime(entry.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("record %d carries bad timestamp '%s'", entry.Serial, entry.Timestamp)
		}
		results = append(results, RawRecord{
			Serial:    entry.Serial,
			UserID:    entry.UserID,
			Timestamp: ts,
			Type:      entry.Type,
			State:     entry.State,
		})
	}
	return results, nil
}

// NormalizeRecords parse a raw attendance fetch payload into one canonical
// ordered sequence of records, regardless of which response shape the
// terminal produced
func NormalizeRecords(payload []byte) ([]RawRecord, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return []RawRecord{}, nil
	}

	// Shape 1: bare list
	if trimmed[0] == '[' {
		var entries []wireRecord
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, err
		}
		return convertWireRecords(entries)
	}

	if trimmed[0] != '{' {
		return nil, fmt.Errorf("unrecognized attendance payload shape")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, err
	}

	// Shape 2: wrapped list
	if wrapped, ok := fields["data"]; ok {
		var entries []wireRecord
		if err := json.Unmarshal(wrapped, &entries); err != nil {
			return nil, err
		}
		return convertWireRecords(entries)
	}

	// Shape 3: keyed mapping. Key order is not meaningful in JSON, so the
	// sequence is rebuilt by record serial.
	entries := make([]wireRecord, 0, len(fields))
	for key, value := range fields {
		var entry wireRecord
		if err := json.Unmarshal(value, &entry); err != nil {
			return nil, fmt.Errorf("keyed entry '%s' is not a record: %s", key, err)
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Serial < entries[j].Serial })
	return convertWireRecords(entries)
}
