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
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/pklau/biosync/common"
	"github.com/pklau/biosync/core"
	"github.com/pklau/biosync/hub"
	"github.com/pklau/biosync/ingress"
	"github.com/pklau/biosync/reconcile"
)

// StreamFrameTag tag carried by every live-stream frame
const StreamFrameTag = "attendance"

// StreamFrame one framed message on the live stream
type StreamFrame struct {
	Event   string                 `json:"event"`
	Payload common.AttendanceEvent `json:"payload"`
}

// APIRestRespSnapshot response wrapper for the current snapshot
type APIRestRespSnapshot struct {
	goutils.RestAPIBaseResponse
	Snapshot *common.Snapshot `json:"snapshot"`
}

// APIRestBridgeHandler REST handler for the snapshot / stream boundary and
// the device push ingress callbacks
type APIRestBridgeHandler struct {
	goutils.RestAPIHandler
	hub         hub.Hub
	directory   reconcile.UserDirectory
	commands    ingress.CommandStore
	natsClient  *core.NatsClient
	upgrader    websocket.Upgrader
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetAPIRestBridgeHandler define APIRestBridgeHandler
func GetAPIRestBridgeHandler(
	baseContext context.Context,
	distHub hub.Hub,
	directory reconcile.UserDirectory,
	commands ingress.CommandStore,
	natsClient *core.NatsClient,
	httpConfig *common.HTTPConfig,
	wg *sync.WaitGroup,
) (APIRestBridgeHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "bridge",
	}
	return APIRestBridgeHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		hub:        distHub,
		directory:  directory,
		commands:   commands,
		natsClient: natsClient,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// Write logging support
func (h APIRestBridgeHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Snapshot / stream boundary

// -----------------------------------------------------------------------

// Snapshot godoc
// @Summary Fetch the current snapshot
// @Description Returns the latest complete view of device metadata, enrolled
// users, and windowed attendance logs. 204 before the first successful
// reconciliation cycle.
// @tags Bridge
// @Produce json
// @Param Biosync-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSnapshot "success"
// @Success 204 {string} string "no snapshot yet"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/bio-sync [get]
func (h APIRestBridgeHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	snapshot := h.hub.CurrentSnapshot()
	if snapshot == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := APIRestRespSnapshot{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Snapshot: snapshot,
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, &resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// SnapshotHandler Wrapper around Snapshot
func (h APIRestBridgeHandler) SnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Snapshot(w, r)
	}
}

// -----------------------------------------------------------------------

// StreamAttendance godoc
// @Summary Subscribe to the live attendance stream
// @Description Upgrades to a websocket session. The encoded current snapshot
// (if any) is delivered first, followed by each published event; every frame
// is tagged "attendance". The session ends on client disconnect or server
// shutdown.
// @tags Bridge
// @Param Biosync-Request-ID header string false "User provided request ID to match against logs"
// @Success 101 {string} string "switching protocols"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/bio-sync/stream [get]
func (h APIRestBridgeHandler) StreamAttendance(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	session, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}
	defer func() {
		_ = session.Close()
	}()

	subscription, err := h.hub.Subscribe(r.RemoteAddr)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to register subscriber")
		return
	}
	// The registration must be revoked before this handler returns
	defer func() {
		if err := h.hub.Unsubscribe(subscription); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Unable to release subscriber")
		}
	}()

	// Reader pump; only used to observe the peer closing the session
	peerClosed := make(chan struct{})
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(peerClosed)
		for {
			if _, _, err := session.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.WithFields(localLogTags).Infof("Live stream session open for %s", r.RemoteAddr)
	for {
		select {
		case <-h.baseContext.Done():
			log.WithFields(localLogTags).Info("Closing live stream on server stop")
			return
		case <-peerClosed:
			log.WithFields(localLogTags).Info("Live stream closed by peer")
			return
		case event, ok := <-subscription.Events():
			if !ok {
				return
			}
			frame := StreamFrame{Event: StreamFrameTag, Payload: event}
			if err := session.WriteJSON(&frame); err != nil {
				log.WithError(err).WithFields(localLogTags).Error("Unable to transmit frame")
				return
			}
		}
	}
}

// StreamAttendanceHandler Wrapper around StreamAttendance
func (h APIRestBridgeHandler) StreamAttendanceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamAttendance(w, r)
	}
}

// =======================================================================
// Device push ingress
//
// The terminal firmware expects bare plaintext bodies on these callbacks,
// not the standard JSON response envelope.

// requestDeviceSerial the device serial attached to a push callback
func requestDeviceSerial(r *http.Request) string {
	serial := r.URL.Query().Get("SN")
	if serial == "" {
		return ingress.DefaultDeviceSerial
	}
	return serial
}

// replyPlaintext write a bare plaintext response
func (h APIRestBridgeHandler) replyPlaintext(
	w http.ResponseWriter, body string, logTags log.Fields,
) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(body)); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to form response")
	}
}

// -----------------------------------------------------------------------

// DeviceRegister godoc
// @Summary Device registration / heartbeat callback
// @Description Records a heartbeat for the calling terminal
// @tags Ingress
// @Produce plain
// @Param SN query string false "Device serial number"
// @Success 200 {string} string "OK"
// @Router /iclock/cdata [get]
func (h APIRestBridgeHandler) DeviceRegister(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	serial := requestDeviceSerial(r)
	h.commands.Heartbeat(serial, time.Now())
	log.WithFields(localLogTags).Debugf("Heartbeat from device %s", serial)
	h.replyPlaintext(w, "OK", localLogTags)
}

// DeviceRegisterHandler Wrapper around DeviceRegister
func (h APIRestBridgeHandler) DeviceRegisterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DeviceRegister(w, r)
	}
}

// -----------------------------------------------------------------------

// DevicePush godoc
// @Summary Device attendance push callback
// @Description Parses a newline-delimited push body and publishes the
// resulting records on the distribution channel. Malformed lines are skipped.
// @tags Ingress
// @Accept plain
// @Produce plain
// @Param SN query string false "Device serial number"
// @Success 200 {string} string "acknowledgement"
// @Router /iclock/cdata [post]
func (h APIRestBridgeHandler) DevicePush(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	serial := requestDeviceSerial(r)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to read push body")
		h.replyPlaintext(w, "OK: 0", localLogTags)
		return
	}

	records := ingress.ParsePushBody(serial, string(body))
	for idx := range records {
		records[idx].EmployeeName = h.directory.UserName(records[idx].EmployeeID)
	}
	h.commands.Heartbeat(serial, time.Now())

	if len(records) > 0 {
		if err := h.hub.PublishRecords(r.Context(), records); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Unable to publish push records")
		}
	}
	log.WithFields(localLogTags).Infof(
		"Device %s pushed %d attendance records", serial, len(records),
	)
	h.replyPlaintext(w, fmt.Sprintf("OK: %d", len(records)), localLogTags)
}

// DevicePushHandler Wrapper around DevicePush
func (h APIRestBridgeHandler) DevicePushHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DevicePush(w, r)
	}
}

// -----------------------------------------------------------------------

// DeviceGetRequest godoc
// @Summary Device command poll callback
// @Description Returns the pending command queued for the calling terminal,
// or an empty body when nothing is queued
// @tags Ingress
// @Produce plain
// @Param SN query string false "Device serial number"
// @Success 200 {string} string "command or empty"
// @Router /iclock/getrequest [get]
func (h APIRestBridgeHandler) DeviceGetRequest(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	serial := requestDeviceSerial(r)
	command := h.commands.NextCommand(serial)
	h.commands.Heartbeat(serial, time.Now())
	h.replyPlaintext(w, command, localLogTags)
}

// DeviceGetRequestHandler Wrapper around DeviceGetRequest
func (h APIRestBridgeHandler) DeviceGetRequestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DeviceGetRequest(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For bridge REST API liveness check
// @Description Will return success to indicate bridge REST API module is live
// @tags Bridge
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestBridgeHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestBridgeHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For bridge REST API readiness check
// @Description Will return success if bridge REST API module is ready for
// use. In-process fallback delivery is always ready; with an external
// medium attached, readiness reflects the NATS connection.
// @tags Bridge
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestBridgeHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.natsClient == nil || h.natsClient.NATs().Status() == nats.CONNECTED {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestBridgeHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
