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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRecordsShapes(t *testing.T) {
	assert := assert.New(t)

	bareList := []byte(`[
		{"serial": 1, "user_id": 7, "record_time": "2026-05-30T08:15:00Z", "type": 0, "state": 1},
		{"serial": 2, "user_id": 9, "record_time": "2026-05-30T08:20:00Z", "type": 1, "state": 0}
	]`)
	wrapped := []byte(`{"data": [
		{"serial": 1, "user_id": 7, "record_time": "2026-05-30T08:15:00Z", "type": 0, "state": 1},
		{"serial": 2, "user_id": 9, "record_time": "2026-05-30T08:20:00Z", "type": 1, "state": 0}
	]}`)
	keyed := []byte(`{
		"2": {"serial": 2, "user_id": 9, "record_time": "2026-05-30T08:20:00Z", "type": 1, "state": 0},
		"1": {"serial": 1, "user_id": 7, "record_time": "2026-05-30T08:15:00Z", "type": 0, "state": 1}
	}`)

	fromList, err := NormalizeRecords(bareList)
	assert.Nil(err)
	fromWrapped, err := NormalizeRecords(wrapped)
	assert.Nil(err)
	fromKeyed, err := NormalizeRecords(keyed)
	assert.Nil(err)

	assert.Len(fromList, 2)
	assert.Equal(fromList, fromWrapped)
	assert.Equal(fromList, fromKeyed)
	assert.Equal(7, fromList[0].UserID)
	assert.Equal(9, fromList[1].UserID)
	assert.Equal(
		time.Date(2026, time.May, 30, 8, 15, 0, 0, time.UTC), fromList[0].Timestamp,
	)
}

func TestNormalizeRecordsTimestampLayouts(t *testing.T) {
	assert := assert.New(t)

	payload := []byte(`[
		{"serial": 1, "user_id": 7, "record_time": "2026-05-30 08:15:00", "type": 0, "state": 1}
	]`)
	records, err := NormalizeRecords(payload)
	assert.Nil(err)
	assert.Len(records, 1)
	assert.Equal(
		time.Date(2026, time.May, 30, 8, 15, 0, 0, time.UTC), records[0].Timestamp,
	)
}

func TestNormalizeRecordsBadPayloads(t *testing.T) {
	assert := assert.New(t)

	// Empty payload is an empty sequence, not an error
	records, err := NormalizeRecords([]byte("  \n"))
	assert.Nil(err)
	assert.Empty(records)

	// Not JSON at all
	_, err = NormalizeRecords([]byte("hello"))
	assert.NotNil(err)

	// Record with unparsable timestamp
	_, err = NormalizeRecords([]byte(
		`[{"serial": 1, "user_id": 7, "record_time": "yesterday", "type": 0, "state": 1}]`,
	))
	assert.NotNil(err)
}
