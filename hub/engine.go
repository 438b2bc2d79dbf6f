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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alwitt/watchhub/common"
	"github.com/alwitt/watchhub/upstream"
	"github.com/apex/log"
	"github.com/cenkalti/backoff/v5"
)

// Upstream watch status
const (
	WatchStatusIdle       = "idle"
	WatchStatusConnecting = "connecting"
	WatchStatusStreaming  = "streaming"
	WatchStatusBackingOff = "backing-off"
	WatchStatusFailed     = "failed"
	WatchStatusClosed     = "closed"
)

// UpstreamWatchState state of the upstream watch of one channel
type UpstreamWatchState struct {
	// ChannelKey is the key of the channel
	ChannelKey string `json:"channel"`
	// Status is the watch status
	Status string `json:"status"`
	// Attempt is the number of consecutive failed connection attempts
	Attempt int `json:"attempt"`
	// NextRetryAt is when the next connection attempt happens while backing off
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	// ResourceVersion is the last resource version observed
	ResourceVersion string `json:"resource_version,omitempty"`
}

// watchEngine owns the upstream watch connection of one channel
type watchEngine struct {
	common.Component
	hub     *hubImpl
	channel *channel
	backoff common.BackoffConfig

	ctxt   context.Context
	cancel context.CancelFunc
	// predecessor is the engine of the previous channel with the same key. It
	// must exit before this engine connects.
	predecessor *watchEngine
	done        chan struct{}
}

// startEngine define and start the upstream watch engine of a channel
func (h *hubImpl) startEngine(ch *channel, predecessor *watchEngine) *watchEngine {
	ctxt, cancel := context.WithCancel(h.rootCtxt)
	e := &watchEngine{
		Component:   common.Component{LogTags: h.ChildLogTags(log.Fields{"channel": ch.key})},
		hub:         h,
		channel:     ch,
		backoff:     h.backoffConfig,
		ctxt:        ctxt,
		cancel:      cancel,
		predecessor: predecessor,
		done:        make(chan struct{}),
	}
	h.wg.Add(1)
	go e.run()
	return e
}

// stop cancel the in-flight connection or pending retry. This does not wait.
func (e *watchEngine) stop() {
	e.cancel()
}

func (e *watchEngine) newBackoff() *backoff.ExponentialBackOff {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     e.backoff.InitialDelay(),
		RandomizationFactor: e.backoff.Jitter,
		Multiplier:          e.backoff.Multiplier,
		MaxInterval:         e.backoff.MaxDelay(),
	}
	bo.Reset()
	return bo
}

func (e *watchEngine) updateState(update func(state *UpstreamWatchState)) {
	e.channel.lock.Lock()
	defer e.channel.lock.Unlock()
	update(&e.channel.state)
}

func (e *watchEngine) setStatus(status string) {
	e.updateState(func(state *UpstreamWatchState) {
		state.Status = status
		state.NextRetryAt = nil
	})
}

// run the watch state machine until stopped or a fatal failure
func (e *watchEngine) run() {
	defer e.hub.wg.Done()
	defer func() {
		if e.predecessor != nil {
			<-e.predecessor.done
		}
		e.hub.table.engineExited(e)
		close(e.done)
		log.WithFields(e.LogTags).Debug("Watch engine exited")
	}()

	if e.predecessor != nil {
		select {
		case <-e.predecessor.done:
		case <-e.ctxt.Done():
			e.setStatus(WatchStatusClosed)
			return
		}
	}

	bo := e.newBackoff()
	for {
		var connectedAt time.Time
		e.setStatus(WatchStatusConnecting)
		e.hub.metrics.upstreamConnects.Inc()
		req := upstream.WatchRequest{
			Descriptor:      e.channel.descriptor,
			ResourceVersion: e.channel.getResourceVersion(),
			Token:           e.hub.representativeToken(e.channel),
		}
		err := e.hub.source.Watch(e.ctxt, req, func() {
			connectedAt = time.Now()
			bo.Reset()
			e.updateState(func(state *UpstreamWatchState) {
				state.Status = WatchStatusStreaming
				state.Attempt = 0
				state.NextRetryAt = nil
			})
			log.WithFields(e.LogTags).Debug("Upstream watch streaming")
		}, e.processEvent)

		if e.ctxt.Err() != nil {
			e.setStatus(WatchStatusClosed)
			return
		}
		if err == nil {
			err = &upstream.TransientError{Reason: "watch ended"}
		}
		if upstream.IsFatal(err) {
			e.fail(err)
			return
		}
		if errors.Is(err, upstream.ErrWatchExpired) && !connectedAt.IsZero() &&
			time.Since(connectedAt) >= e.hub.minRenewLifetime {
			log.WithFields(e.LogTags).Debug("Upstream watch expired, renewing")
			continue
		}
		if errors.Is(err, upstream.ErrResourceVersionExpired) {
			log.WithFields(e.LogTags).Info("Resource version expired, watching from now")
			e.channel.setResourceVersion("")
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			delay = e.backoff.MaxDelay()
		}
		retryAt := time.Now().Add(delay)
		attempt := 0
		e.updateState(func(state *UpstreamWatchState) {
			state.Attempt++
			attempt = state.Attempt
			state.Status = WatchStatusBackingOff
			state.NextRetryAt = &retryAt
		})
		if e.backoff.MaxAttempts > 0 && attempt >= e.backoff.MaxAttempts {
			e.fail(&upstream.FatalError{
				Reason: fmt.Sprintf("gave up after %d attempts", attempt), Err: err,
			})
			return
		}
		log.WithError(err).WithFields(e.LogTags).Debugf(
			"Upstream watch attempt %d failed, retry in %s", attempt, delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-e.ctxt.Done():
			timer.Stop()
			e.setStatus(WatchStatusClosed)
			return
		case <-timer.C:
		}
	}
}

// fail close the channel on a fatal upstream failure
func (e *watchEngine) fail(err error) {
	e.setStatus(WatchStatusFailed)
	e.hub.closeChannel(e.channel, err)
}

// processEvent handle one upstream watch event
func (e *watchEngine) processEvent(_ context.Context, event upstream.WatchEvent) error {
	if event.Cursor != "" {
		e.channel.setResourceVersion(event.Cursor)
	}
	if event.Type == upstream.EventBookmark {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).WithFields(e.LogTags).Error("Unable to serialize watch event")
		return nil
	}
	e.hub.broadcast(e.channel, StreamEvent{
		Type: StreamEventWatch, Channel: e.channel.key, Payload: payload,
	})
	return nil
}

// representativeToken the token of the subscriber with the lowest ID still registered
func (h *hubImpl) representativeToken(ch *channel) string {
	ch.lock.RLock()
	subscribers := make([]*client, 0, len(ch.subscribers))
	for _, c := range ch.subscribers {
		subscribers = append(subscribers, c)
	}
	ch.lock.RUnlock()
	sort.Slice(subscribers, func(i, j int) bool { return subscribers[i].id < subscribers[j].id })
	for _, c := range subscribers {
		if token, ok := c.currentToken(); ok {
			return token
		}
	}
	return ""
}
