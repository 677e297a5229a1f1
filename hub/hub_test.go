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

package hub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/pklau/biosync/common"
	"github.com/stretchr/testify/assert"
)

// readEvent helper to read one event off a subscription with a timeout
func readEvent(
	t *testing.T, sub *Subscription,
) (common.AttendanceEvent, bool) {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		return event, ok
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return common.AttendanceEvent{}, false
	}
}

func testSnapshot(producedAt time.Time, logCount int) *common.Snapshot {
	// Settle on wire-safe timestamps; the monotonic reading does not
	// survive the subscriber copy
	producedAt = producedAt.UTC()
	logs := make([]common.AttendanceRecord, logCount)
	for itr := 0; itr < logCount; itr++ {
		logs[itr] = common.AttendanceRecord{
			Serial: itr + 1, EmployeeID: 7, EmployeeName: "Alice", RecordTime: producedAt,
		}
	}
	return &common.Snapshot{ProducedAt: producedAt, Logs: logs}
}

func TestSnapshotThenStreamOrdering(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	// No external medium attached; in-process delivery only
	uut, err := GetDistributionHub(utCtxt, nil, "attendance")
	assert.Nil(err)
	assert.False(uut.CrossProcess())
	assert.Nil(uut.Start(&wg))

	assert.Nil(uut.CurrentSnapshot())

	first := testSnapshot(time.Now(), 1)
	assert.Nil(uut.UpdateSnapshot(utCtxt, first))
	assert.Eventually(func() bool {
		return uut.CurrentSnapshot() == first
	}, time.Second, time.Millisecond*10)

	// A late joiner starts from the snapshot which existed before it
	// connected, exactly once
	sub, err := uut.Subscribe("ut-late-joiner")
	assert.Nil(err)
	event, ok := readEvent(t, sub)
	assert.True(ok)
	assert.Equal(common.EventTypeSnapshot, event.Type)
	assert.Equal(first, event.Snapshot)

	// The next event is the next snapshot; no gap, no duplicate
	second := testSnapshot(time.Now(), 2)
	assert.Nil(uut.UpdateSnapshot(utCtxt, second))
	event, ok = readEvent(t, sub)
	assert.True(ok)
	assert.Equal(second, event.Snapshot)

	// Nothing further pending
	select {
	case extra := <-sub.Events():
		assert.Nil(fmt.Errorf("unexpected extra event %s", extra))
	case <-time.After(time.Millisecond * 100):
	}

	assert.Nil(uut.Unsubscribe(sub))
	_, ok = <-sub.Events()
	assert.False(ok)
	assert.Equal(0, uut.SubscriberCount())
}

func TestSubscriberSnapshotIsolation(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, err := GetDistributionHub(utCtxt, nil, "attendance")
	assert.Nil(err)
	assert.Nil(uut.Start(&wg))

	assert.Nil(uut.UpdateSnapshot(utCtxt, testSnapshot(time.Now(), 1)))
	assert.Eventually(func() bool {
		return uut.CurrentSnapshot() != nil
	}, time.Second, time.Millisecond*10)

	sub, err := uut.Subscribe("ut-isolation")
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Unsubscribe(sub))
	}()

	// The delivered snapshot is the subscriber's own copy; mutating it must
	// not reach the hub's cached snapshot
	event, ok := readEvent(t, sub)
	assert.True(ok)
	assert.NotSame(uut.CurrentSnapshot(), event.Snapshot)
	event.Snapshot.Logs[0].EmployeeName = "Mallory"
	assert.Equal("Alice", uut.CurrentSnapshot().Logs[0].EmployeeName)
}

func TestPushEventDelivery(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, err := GetDistributionHub(utCtxt, nil, "attendance")
	assert.Nil(err)
	assert.Nil(uut.Start(&wg))

	sub, err := uut.Subscribe("ut-push")
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Unsubscribe(sub))
	}()

	records := []common.AttendanceRecord{
		{EmployeeID: 7, EmployeeName: "Alice", SourceDeviceSerial: "CK-1234"},
	}
	assert.Nil(uut.PublishRecords(utCtxt, records))

	event, ok := readEvent(t, sub)
	assert.True(ok)
	assert.Equal(common.EventTypePush, event.Type)
	assert.Equal(records, event.Records)
	// Push events never touch the cached snapshot
	assert.Nil(uut.CurrentSnapshot())
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, err := GetDistributionHub(utCtxt, nil, "attendance")
	assert.Nil(err)
	assert.Nil(uut.Start(&wg))

	baseline := uut.SubscriberCount()

	staying, err := uut.Subscribe("ut-staying")
	assert.Nil(err)
	leaving, err := uut.Subscribe("ut-leaving")
	assert.Nil(err)

	// Publish a burst while one subscriber disconnects mid-stream. The
	// publisher must survive and the registration must not leak.
	publishDone := make(chan bool)
	go func() {
		defer close(publishDone)
		for itr := 0; itr < 50; itr++ {
			_ = uut.PublishRecords(utCtxt, []common.AttendanceRecord{{EmployeeID: itr}})
		}
	}()
	time.Sleep(time.Millisecond * 5)
	assert.Nil(uut.Unsubscribe(leaving))
	<-publishDone

	// The staying subscriber drains without issue; its buffer may have
	// dropped events under the burst, but ordering is preserved
	lastSeen := -1
	draining := true
	for draining {
		select {
		case event := <-staying.Events():
			assert.Greater(event.Records[0].EmployeeID, lastSeen)
			lastSeen = event.Records[0].EmployeeID
		case <-time.After(time.Millisecond * 100):
			draining = false
		}
	}
	assert.GreaterOrEqual(lastSeen, 0)

	assert.Nil(uut.Unsubscribe(staying))
	assert.Equal(baseline, uut.SubscriberCount())

	// Repeated unsubscribe is a no-op
	assert.Nil(uut.Unsubscribe(leaving))
}

func TestFallbackDeliveryEndToEnd(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	// Medium unavailable at startup; the hub must still function for
	// same-process subscribers
	uut, err := GetDistributionHub(utCtxt, nil, "attendance")
	assert.Nil(err)
	assert.Nil(uut.Start(&wg))

	sub, err := uut.Subscribe("ut-fallback")
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Unsubscribe(sub))
	}()

	assert.Nil(uut.UpdateSnapshot(utCtxt, testSnapshot(time.Now(), 1)))
	event, ok := readEvent(t, sub)
	assert.True(ok)
	assert.Equal(common.EventTypeSnapshot, event.Type)
}
