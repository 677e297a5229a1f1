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

package apis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/pklau/biosync/common"
	"github.com/pklau/biosync/hub"
	"github.com/pklau/biosync/ingress"
	"github.com/stretchr/testify/assert"
)

// stubDirectory fixed-content reconcile.UserDirectory for testing
type stubDirectory map[int]string

func (d stubDirectory) UserName(userID int) string {
	if name, ok := d[userID]; ok {
		return name
	}
	return common.UnknownEmployeeName
}

func defineTestBridgeHandler(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup, directory stubDirectory,
) (APIRestBridgeHandler, hub.Hub, ingress.CommandStore) {
	t.Helper()
	distHub, err := hub.GetDistributionHub(ctxt, nil, "ut-attendance")
	assert.Nil(t, err)
	assert.Nil(t, distHub.Start(wg))
	commands, err := ingress.GetCommandStore()
	assert.Nil(t, err)
	uut, err := GetAPIRestBridgeHandler(
		ctxt, distHub, directory, commands, nil, &common.HTTPConfig{
			Logging: common.HTTPRequestLogging{RequestIDHeader: "Biosync-Request-ID"},
		}, wg,
	)
	assert.Nil(t, err)
	return uut, distHub, commands
}

func TestSnapshotEndpoint(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, distHub, _ := defineTestBridgeHandler(t, utCtxt, &wg, stubDirectory{})

	// Case 0: no reconciliation cycle has completed yet
	{
		req, err := http.NewRequest("GET", "/v1/bio-sync", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		handler := uut.SnapshotHandler()
		handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusNoContent, respRecorder.Code)
	}

	// Case 1: snapshot available
	snapshot := &common.Snapshot{
		ProducedAt: time.Now().UTC(),
		Logs: []common.AttendanceRecord{
			{Serial: 1, EmployeeID: 7, EmployeeName: "Alice"},
		},
	}
	assert.Nil(distHub.UpdateSnapshot(utCtxt, snapshot))
	assert.Eventually(func() bool {
		return distHub.CurrentSnapshot() != nil
	}, time.Second, time.Millisecond*10)
	{
		req, err := http.NewRequest("GET", "/v1/bio-sync", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		handler := uut.SnapshotHandler()
		handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp APIRestRespSnapshot
		assert.Nil(json.NewDecoder(respRecorder.Body).Decode(&resp))
		assert.True(resp.Success)
		assert.NotNil(resp.Snapshot)
		assert.Len(resp.Snapshot.Logs, 1)
		assert.Equal("Alice", resp.Snapshot.Logs[0].EmployeeName)
	}
}

func TestDevicePushCallback(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, distHub, commands := defineTestBridgeHandler(
		t, utCtxt, &wg, stubDirectory{7: "Alice"},
	)

	sub, err := distHub.Subscribe("ut-push-callback")
	assert.Nil(err)
	defer func() {
		assert.Nil(distHub.Unsubscribe(sub))
	}()

	body := strings.Join([]string{
		"ATTLOG,7,2026-06-15 08:55:12,0,1",
		"GARBAGE LINE",
		"ATTLOG,9,2026-06-15 09:01:44,0,1",
	}, "\n")
	req, err := http.NewRequest(
		"POST", "/iclock/cdata?SN=CK-1234", strings.NewReader(body),
	)
	assert.Nil(err)
	respRecorder := httptest.NewRecorder()
	handler := uut.DevicePushHandler()
	handler.ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusOK, respRecorder.Code)
	assert.Equal("OK: 2", respRecorder.Body.String())

	// Push records reach subscribers enriched but never alter the snapshot
	select {
	case event := <-sub.Events():
		assert.Equal(common.EventTypePush, event.Type)
		assert.Len(event.Records, 2)
		assert.Equal("Alice", event.Records[0].EmployeeName)
		assert.Equal(common.UnknownEmployeeName, event.Records[1].EmployeeName)
		assert.Equal("CK-1234", event.Records[0].SourceDeviceSerial)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for push event")
	}
	assert.Nil(distHub.CurrentSnapshot())

	// The callback doubles as a heartbeat
	_, seen := commands.LastSeen("CK-1234")
	assert.True(seen)

	// A body with no valid lines still acknowledges
	req, err = http.NewRequest("POST", "/iclock/cdata", strings.NewReader("GARBAGE"))
	assert.Nil(err)
	respRecorder = httptest.NewRecorder()
	handler.ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusOK, respRecorder.Code)
	assert.Equal("OK: 0", respRecorder.Body.String())
}

func TestDeviceRegisterAndCommandPoll(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, _, commands := defineTestBridgeHandler(t, utCtxt, &wg, stubDirectory{})

	// Registration callback
	{
		req, err := http.NewRequest("GET", "/iclock/cdata?SN=CK-1234", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		handler := uut.DeviceRegisterHandler()
		handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		assert.Equal("OK", respRecorder.Body.String())
		_, seen := commands.LastSeen("CK-1234")
		assert.True(seen)
	}

	// Command poll pops the pending command, then drains to empty
	commands.QueueCommand("CK-1234", "CHECK")
	{
		req, err := http.NewRequest("GET", "/iclock/getrequest?SN=CK-1234", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		handler := uut.DeviceGetRequestHandler()
		handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		assert.Equal("CHECK", respRecorder.Body.String())

		respRecorder = httptest.NewRecorder()
		handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		assert.Equal("", respRecorder.Body.String())
	}
}

func TestBridgeHealthChecks(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, _, _ := defineTestBridgeHandler(t, utCtxt, &wg, stubDirectory{})

	{
		req, err := http.NewRequest("GET", "/alive", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		handler := uut.AliveHandler()
		handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Without an external medium attached, in-process delivery is always ready
	{
		req, err := http.NewRequest("GET", "/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		handler := uut.ReadyHandler()
		handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}
}
