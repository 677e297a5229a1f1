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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/pklau/biosync/common"
)

// Commands of the terminal's line protocol
const (
	cmdDeviceInfo = "INFO"
	cmdUserList   = "USERS"
	cmdAttendance = "ATTLOG"
)

// tcpClientImpl implements Client against a terminal speaking the
// line-command protocol: one command per line out, one JSON document per
// line back
type tcpClientImpl struct {
	common.Component
	config  common.DeviceConfig
	lock    *sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	healthy bool
}

// GetTCPClient define a terminal client against the configured endpoint
func GetTCPClient(config common.DeviceConfig) (Client, error) {
	logTags := log.Fields{
		"module":    "device",
		"component": "tcp-client",
		"instance":  fmt.Sprintf("%s:%d", config.Address, config.Port),
	}
	return &tcpClientImpl{
		Component: common.Component{LogTags: logTags},
		config:    config,
		lock:      &sync.Mutex{},
		conn:      nil,
		reader:    nil,
		healthy:   false,
	}, nil
}

// Connect establish the single outbound connection to the terminal
func (c *tcpClientImpl) Connect(ctxt context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.conn != nil {
		c.closeLocked()
	}
	endpoint := fmt.Sprintf("%s:%d", c.config.Address, c.config.Port)
	dialer := net.Dialer{Timeout: time.Second * time.Duration(c.config.SendTimeout)}
	conn, err := dialer.DialContext(ctxt, "tcp", endpoint)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Terminal connect failed")
		return ConnectError{Endpoint: endpoint, Cause: err}
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.healthy = true
	log.WithFields(c.LogTags).Info("Connected to terminal")
	return nil
}

// exchange send one command line and read back one response line
func (c *tcpClientImpl) exchange(ctxt context.Context, cmd string) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.conn == nil {
		return nil, FetchError{Op: cmd, Cause: fmt.Errorf("not connected")}
	}
	if deadline, ok := ctxt.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(
			time.Now().Add(time.Second * time.Duration(c.config.SendTimeout)),
		)
		_ = c.conn.SetReadDeadline(
			time.Now().Add(time.Second * time.Duration(c.config.RecvTimeout)),
		)
	}
	if _, err := fmt.Fprintf(c.conn, "%s\n", cmd); err != nil {
		c.healthy = false
		return nil, c.fetchError(cmd, err)
	}
	reply, err := c.reader.ReadBytes('\n')
	if err != nil {
		c.healthy = false
		return nil, c.fetchError(cmd, err)
	}
	return reply, nil
}

// fetchError wrap an I/O failure, flagging timeouts
func (c *tcpClientImpl) fetchError(op string, cause error) error {
	timeout := false
	if netErr, ok := cause.(net.Error); ok && netErr.Timeout() {
		timeout = true
	}
	return FetchError{Op: op, Timeout: timeout, Cause: cause}
}

// FetchDeviceMetadata read the terminal's identity metadata
func (c *tcpClientImpl) FetchDeviceMetadata(ctxt context.Context) (*common.DeviceDetails, error) {
	reply, err := c.exchange(ctxt, cmdDeviceInfo)
	if err != nil {
		return nil, err
	}
	var details common.DeviceDetails
	if err := json.Unmarshal(reply, &details); err != nil {
		return nil, FetchError{Op: cmdDeviceInfo, Cause: err}
	}
	return &details, nil
}

// FetchUsers read the full enrolled user directory
func (c *tcpClientImpl) FetchUsers(ctxt context.Context) ([]common.EnrolledUser, error) {
	reply, err := c.exchange(ctxt, cmdUserList)
	if err != nil {
		return nil, err
	}
	var users []common.EnrolledUser
	if err := json.Unmarshal(reply, &users); err != nil {
		return nil, FetchError{Op: cmdUserList, Cause: err}
	}
	return users, nil
}

// FetchAttendance read the terminal's attendance log. The payload passes
// through NormalizeRecords, so callers always see one canonical sequence.
func (c *tcpClientImpl) FetchAttendance(ctxt context.Context) ([]RawRecord, error) {
	reply, err := c.exchange(ctxt, cmdAttendance)
	if err != nil {
		return nil, err
	}
	records, err := NormalizeRecords(reply)
	if err != nil {
		return nil, FetchError{Op: cmdAttendance, Cause: err}
	}
	return records, nil
}

// IsHealthy non-blocking liveness check of the underlying connection
func (c *tcpClientImpl) IsHealthy() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.conn != nil && c.healthy
}

// Close tear down the connection
func (c *tcpClientImpl) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closeLocked()
}

// closeLocked caller must hold the lock
func (c *tcpClientImpl) closeLocked() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Terminal close failed")
		}
		log.WithFields(c.LogTags).Info("Closed terminal connection")
	}
	c.conn = nil
	c.reader = nil
	c.healthy = false
}
