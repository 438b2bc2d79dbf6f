// Copyright 2022 The watchhub Authors
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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/watchhub/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// channel one deduplicated upstream watch shared by its subscribers
type channel struct {
	key        string
	descriptor common.ResourceDescriptor

	// lock guards everything below
	lock            sync.RWMutex
	subscribers     map[string]*client
	resourceVersion string
	state           UpstreamWatchState
	closed          bool
	engine          *watchEngine
}

func newChannel(key string, descriptor common.ResourceDescriptor) *channel {
	return &channel{
		key:         key,
		descriptor:  descriptor,
		subscribers: map[string]*client{},
		state:       UpstreamWatchState{ChannelKey: key, Status: WatchStatusIdle},
	}
}

func (ch *channel) getResourceVersion() string {
	ch.lock.RLock()
	defer ch.lock.RUnlock()
	return ch.resourceVersion
}

func (ch *channel) setResourceVersion(version string) {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	ch.resourceVersion = version
}

// channelTable maps channel keys to the active channels
type channelTable struct {
	lock     sync.Mutex
	channels map[string]*channel
	// draining are the engines of removed channels which have not exited yet
	draining map[string]*watchEngine
}

func newChannelTable() *channelTable {
	return &channelTable{
		channels: map[string]*channel{},
		draining: map[string]*watchEngine{},
	}
}

func (t *channelTable) count() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.channels)
}

// engineExited drop the draining record of an engine
func (t *channelTable) engineExited(e *watchEngine) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.draining[e.channel.key] == e {
		delete(t.draining, e.channel.key)
	}
}

// ===============================================================================
// Hub channel operations

// checkDescriptor validate and normalize a subscribe descriptor
func (h *hubImpl) checkDescriptor(descriptor common.ResourceDescriptor) (common.ResourceDescriptor, error) {
	if err := descriptor.Validate(h.validate); err != nil {
		return common.ResourceDescriptor{}, fmt.Errorf("%w: %s", ErrValidation, describeValidationError(err))
	}
	normalized, err := descriptor.Normalize()
	if err != nil {
		return common.ResourceDescriptor{}, fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	if len(h.catalog) == 0 {
		return normalized, nil
	}
	for _, kind := range h.catalog {
		if kind.Group != normalized.Group ||
			kind.Version != normalized.Version ||
			kind.Resource != normalized.Resource {
			continue
		}
		if !kind.Namespaced && normalized.Namespace != "" {
			return common.ResourceDescriptor{}, fmt.Errorf(
				"%w: resource %s is not namespaced", ErrValidation, normalized.Resource,
			)
		}
		return normalized, nil
	}
	return common.ResourceDescriptor{}, fmt.Errorf(
		"%w: unknown resource kind %s/%s/%s",
		ErrValidation,
		normalized.Group,
		normalized.Version,
		normalized.Resource,
	)
}

// describeValidationError list the failing fields of a validation failure
func describeValidationError(err error) string {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	failures := make([]string, len(fieldErrs))
	for idx, fieldErr := range fieldErrs {
		failures[idx] = fmt.Sprintf("field '%s' failed '%s' check", fieldErr.Field(), fieldErr.Tag())
	}
	return strings.Join(failures, "; ")
}

// Subscribe attach a client to the channel for a resource descriptor
func (h *hubImpl) Subscribe(clientID string, descriptor common.ResourceDescriptor) (string, error) {
	normalized, err := h.checkDescriptor(descriptor)
	if err != nil {
		return "", err
	}
	key := normalized.Key()

	c := h.registry.get(clientID)
	if c == nil {
		return "", ErrUnknownClient
	}
	// Holding the client lock keeps a concurrent removal from missing this subscription
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.removed {
		return "", ErrUnknownClient
	}
	c.lastActivity = time.Now()
	if existing, ok := c.subscriptions[key]; ok {
		existing.lock.RLock()
		closed := existing.closed
		existing.lock.RUnlock()
		if !closed {
			return key, nil
		}
	}
	c.subscriptions[key] = h.attach(key, normalized, c)
	return key, nil
}

// attach add the client to the channel, creating the channel and its upstream
// watch on the first subscriber
func (h *hubImpl) attach(key string, descriptor common.ResourceDescriptor, c *client) *channel {
	h.table.lock.Lock()
	defer h.table.lock.Unlock()

	ch, ok := h.table.channels[key]
	if !ok {
		ch = newChannel(key, descriptor)
		h.table.channels[key] = ch
	}
	ch.lock.Lock()
	ch.subscribers[c.id] = c
	ch.lock.Unlock()

	if !ok {
		var predecessor *watchEngine
		if draining, ok := h.table.draining[key]; ok {
			predecessor = draining
		}
		ch.engine = h.startEngine(ch, predecessor)
		h.metrics.channels.Inc()
		log.WithFields(h.ChildLogTags(log.Fields{"channel": key})).Info("Created channel")
	}
	return ch
}

// Unsubscribe detach a client from a channel
func (h *hubImpl) Unsubscribe(clientID, channelKey string) error {
	c := h.registry.get(clientID)
	if c == nil {
		return nil
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.lastActivity = time.Now()
	ch, ok := c.subscriptions[channelKey]
	if !ok {
		return nil
	}
	delete(c.subscriptions, channelKey)
	h.detach(ch, c)
	return nil
}

// detach remove the client from the channel, tearing the channel down when
// the last subscriber leaves
func (h *hubImpl) detach(ch *channel, c *client) {
	h.table.lock.Lock()
	defer h.table.lock.Unlock()

	ch.lock.Lock()
	if current, ok := ch.subscribers[c.id]; ok && current == c {
		delete(ch.subscribers, c.id)
	}
	if len(ch.subscribers) > 0 || ch.closed {
		ch.lock.Unlock()
		return
	}
	ch.closed = true
	engine := ch.engine
	ch.lock.Unlock()

	h.retireLocked(ch, engine)
	log.WithFields(h.ChildLogTags(log.Fields{"channel": ch.key})).Info("Last subscriber left, closing channel")
}

// retireLocked remove a closed channel from the table and stop its engine.
// The table lock must be held.
func (h *hubImpl) retireLocked(ch *channel, engine *watchEngine) {
	if h.table.channels[ch.key] == ch {
		delete(h.table.channels, ch.key)
		h.metrics.channels.Dec()
	}
	if engine != nil {
		h.table.draining[ch.key] = engine
		engine.stop()
	}
}

/*
closeChannel close a channel whose upstream failed fatally, and tell its
subscribers why. The subscribers must subscribe again to resume.

 @param ch *channel - the channel
 @param reason error - the fatal failure
*/
func (h *hubImpl) closeChannel(ch *channel, reason error) {
	h.table.lock.Lock()
	ch.lock.Lock()
	if ch.closed {
		ch.lock.Unlock()
		h.table.lock.Unlock()
		return
	}
	ch.closed = true
	subscribers := make([]*client, 0, len(ch.subscribers))
	for _, c := range ch.subscribers {
		subscribers = append(subscribers, c)
	}
	ch.subscribers = map[string]*client{}
	engine := ch.engine
	ch.lock.Unlock()
	h.retireLocked(ch, engine)
	h.table.lock.Unlock()

	h.metrics.fatalClosures.Inc()
	log.WithError(reason).WithFields(h.ChildLogTags(log.Fields{"channel": ch.key})).Errorf(
		"Closing channel with %d subscribers on fatal upstream error", len(subscribers),
	)
	event := StreamEvent{Type: StreamEventChannelError, Channel: ch.key, Error: reason.Error()}
	for _, c := range subscribers {
		h.deliver(c, event)
		c.forget(ch)
	}
}
