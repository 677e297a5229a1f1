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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParsePushBody(t *testing.T) {
	assert := assert.New(t)

	body := "ATTLOG,7,2025-05-30T08:15:00Z\nGARBAGE\nATTLOG,9,2025-05-30T08:20:00Z"
	records := ParsePushBody("CK-1234", body)
	assert.Len(records, 2)
	assert.Equal(7, records[0].EmployeeID)
	assert.Equal(9, records[1].EmployeeID)
	assert.Equal(
		time.Date(2025, time.May, 30, 8, 15, 0, 0, time.UTC), records[0].RecordTime,
	)
	for _, record := range records {
		assert.Equal("CK-1234", record.SourceDeviceSerial)
	}
}

func TestParsePushBodyDefaultSerial(t *testing.T) {
	assert := assert.New(t)

	records := ParsePushBody("", "ATTLOG,7,2025-05-30T08:15:00Z")
	assert.Len(records, 1)
	assert.Equal(DefaultDeviceSerial, records[0].SourceDeviceSerial)
}

func TestParsePushBodyMalformedLines(t *testing.T) {
	assert := assert.New(t)

	// Bad user ID and bad timestamp lines are dropped; processing continues
	body := "ATTLOG,abc,2025-05-30T08:15:00Z\n" +
		"ATTLOG,7,not-a-time\n" +
		"ATTLOG,7\n" +
		"ATTLOG,7,2025-05-30 08:15:00,1,4"
	records := ParsePushBody("CK-1234", body)
	assert.Len(records, 1)
	assert.Equal(7, records[0].EmployeeID)
	assert.Equal(1, records[0].Type)
	assert.Equal(4, records[0].State)
}

func TestParsePushBodyEmpty(t *testing.T) {
	assert := assert.New(t)
	assert.Empty(ParsePushBody("CK-1234", ""))
	assert.Empty(ParsePushBody("CK-1234", "OPLOG,7,2025-05-30T08:15:00Z"))
}
