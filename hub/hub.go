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
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/pklau/biosync/common"
	"github.com/pklau/biosync/core"
)

// subscriberBufferDepth per-subscriber event buffer. A subscriber which
// falls further behind than this loses events; delivery is best-effort.
const subscriberBufferDepth = 16

// publishTaskBuffer pending publish queue depth before Publish callers block
const publishTaskBuffer = 64

// Subscription one live-stream session registered with the hub. Every
// Subscribe must be paired with an Unsubscribe.
type Subscription struct {
	// ID unique registration ID
	ID string
	// Name caller supplied label for logging
	Name   string
	events chan common.AttendanceEvent
}

// Events the subscriber's receive channel. Closed on Unsubscribe.
func (s *Subscription) Events() <-chan common.AttendanceEvent {
	return s.events
}

// Hub distribution hub: holds the last known snapshot and fans published
// attendance events out to registered subscribers.
//
// When an external NATS medium is attached, every event is additionally
// published on the configured channel for cross-process consumers. Without
// one the hub delivers to same-process subscribers only.
type Hub interface {
	// Start begin the publish event loop
	Start(wg *sync.WaitGroup) error
	// UpdateSnapshot atomically replace the current snapshot and publish it
	// as a snapshot event. Fire-and-forget.
	UpdateSnapshot(ctxt context.Context, snapshot *common.Snapshot) error
	// PublishRecords publish push-ingress records as a push event.
	// Fire-and-forget.
	PublishRecords(ctxt context.Context, records []common.AttendanceRecord) error
	// CurrentSnapshot the last known snapshot, nil before the first cycle
	CurrentSnapshot() *common.Snapshot
	// Subscribe register a new live-stream session. The current snapshot
	// (if any) is already queued on the returned subscription, followed by
	// each event published afterwards; a late joiner never sees a gap nor
	// the same snapshot twice.
	Subscribe(name string) (*Subscription, error)
	// Unsubscribe revoke a registration. The subscription's channel is
	// closed before this returns.
	Unsubscribe(sub *Subscription) error
	// SubscriberCount number of live registrations
	SubscriberCount() int
	// CrossProcess whether the external pub/sub medium is attached
	CrossProcess() bool
}

// distributionHubImpl implements Hub
type distributionHubImpl struct {
	common.Component
	nats        *core.NatsClient
	channel     string
	tp          common.TaskProcessor
	lock        *sync.Mutex
	snapshot    *common.Snapshot
	subscribers map[string]*Subscription
}

// publishTask parameters for one publish pass
type publishTask struct {
	event common.AttendanceEvent
}

// GetDistributionHub define a distribution hub.
//
// natsClient may be nil when the external medium was unavailable at startup;
// the hub then serves same-process subscribers only. That limitation is
// logged here once, not on every publish.
func GetDistributionHub(
	ctxt context.Context, natsClient *core.NatsClient, channel string,
) (Hub, error) {
	logTags := log.Fields{
		"module":    "hub",
		"component": "distribution-hub",
		"channel":   channel,
	}
	tp, err := common.GetNewTaskProcessorInstance("dist-hub", publishTaskBuffer, ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := &distributionHubImpl{
		Component:   common.Component{LogTags: logTags},
		nats:        natsClient,
		channel:     channel,
		tp:          tp,
		lock:        &sync.Mutex{},
		snapshot:    nil,
		subscribers: make(map[string]*Subscription),
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(publishTask{}), instance.processPublish,
	); err != nil {
		return nil, err
	}
	if natsClient == nil {
		log.WithFields(logTags).Warn(
			"External pub/sub medium unavailable. Using in-process delivery; " +
				"cross-process fan-out is disabled",
		)
	}
	return instance, nil
}

// Start begin the publish event loop
func (h *distributionHubImpl) Start(wg *sync.WaitGroup) error {
	return h.tp.StartEventLoop(wg)
}

// UpdateSnapshot atomically replace the current snapshot and publish it
func (h *distributionHubImpl) UpdateSnapshot(
	ctxt context.Context, snapshot *common.Snapshot,
) error {
	return h.tp.Submit(ctxt, publishTask{event: common.AttendanceEvent{
		Type: common.EventTypeSnapshot, EmittedAt: time.Now(), Snapshot: snapshot,
	}})
}

// PublishRecords publish push-ingress records
func (h *distributionHubImpl) PublishRecords(
	ctxt context.Context, records []common.AttendanceRecord,
) error {
	return h.tp.Submit(ctxt, publishTask{event: common.AttendanceEvent{
		Type: common.EventTypePush, EmittedAt: time.Now(), Records: records,
	}})
}

// processPublish fan one event out to subscribers and the external medium
func (h *distributionHubImpl) processPublish(param interface{}) error {
	task, ok := param.(publishTask)
	if !ok {
		return nil
	}
	h.lock.Lock()
	if task.event.Snapshot != nil {
		h.snapshot = task.event.Snapshot
	}
	for _, sub := range h.subscribers {
		select {
		case sub.events <- task.event:
		default:
			log.WithFields(h.LogTags).Warnf(
				"Subscriber %s (%s) buffer full. Dropping %s", sub.Name, sub.ID, task.event,
			)
		}
	}
	h.lock.Unlock()

	if h.nats != nil {
		encoded, err := common.EncodeEvent(task.event)
		if err != nil {
			log.WithError(err).WithFields(h.LogTags).Errorf("Unable to encode %s", task.event)
			return nil
		}
		if err := h.nats.NATs().Publish(h.channel, encoded); err != nil {
			log.WithError(err).WithFields(h.LogTags).Errorf(
				"Unable to publish %s on %s", task.event, h.channel,
			)
		}
	}
	return nil
}

// CurrentSnapshot the last known snapshot
func (h *distributionHubImpl) CurrentSnapshot() *common.Snapshot {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.snapshot
}

// Subscribe register a new live-stream session
func (h *distributionHubImpl) Subscribe(name string) (*Subscription, error) {
	sub := &Subscription{
		ID:     uuid.New().String(),
		Name:   name,
		events: make(chan common.AttendanceEvent, subscriberBufferDepth),
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	// Queue the current snapshot ahead of any future event so the new
	// subscriber starts from the state which existed before it connected.
	// The subscriber gets its own copy; readers must never alias the
	// cached snapshot.
	if h.snapshot != nil {
		var copied common.Snapshot
		if err := common.DeepCopy(h.snapshot, &copied); err != nil {
			log.WithError(err).WithFields(h.LogTags).Error("Unable to copy current snapshot")
			return nil, err
		}
		sub.events <- common.AttendanceEvent{
			Type: common.EventTypeSnapshot, EmittedAt: time.Now(), Snapshot: &copied,
		}
	}
	h.subscribers[sub.ID] = sub
	log.WithFields(h.LogTags).Infof("Subscriber %s (%s) registered", name, sub.ID)
	return sub, nil
}

// Unsubscribe revoke a registration
func (h *distributionHubImpl) Unsubscribe(sub *Subscription) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if _, ok := h.subscribers[sub.ID]; !ok {
		return nil
	}
	delete(h.subscribers, sub.ID)
	close(sub.events)
	log.WithFields(h.LogTags).Infof("Subscriber %s (%s) released", sub.Name, sub.ID)
	return nil
}

// SubscriberCount number of live registrations
func (h *distributionHubImpl) SubscriberCount() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.subscribers)
}

// CrossProcess whether the external pub/sub medium is attached
func (h *distributionHubImpl) CrossProcess() bool {
	return h.nats != nil
}
