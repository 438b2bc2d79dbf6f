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
	"sync"
	"testing"
	"time"

	"github.com/alwitt/watchhub/common"
	"github.com/alwitt/watchhub/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

// fakeSource scripted upstream watch source
type fakeSource struct {
	lock      sync.Mutex
	connects  map[string]int
	active    map[string]int
	maxActive map[string]int
	requests  map[string][]upstream.WatchRequest
	failures  map[string][]error
	feeds     map[string]chan upstream.WatchEvent
	drops     map[string]chan error
	onWatch   func(key string)
	readyErr  error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		connects:  map[string]int{},
		active:    map[string]int{},
		maxActive: map[string]int{},
		requests:  map[string][]upstream.WatchRequest{},
		failures:  map[string][]error{},
		feeds:     map[string]chan upstream.WatchEvent{},
		drops:     map[string]chan error{},
	}
}

// feed events pushed here are streamed by the watch of the channel
func (s *fakeSource) feed(key string) chan upstream.WatchEvent {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.feeds[key]; !ok {
		s.feeds[key] = make(chan upstream.WatchEvent, 16)
	}
	return s.feeds[key]
}

// drop errors pushed here end the current watch of the channel
func (s *fakeSource) drop(key string) chan error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.drops[key]; !ok {
		s.drops[key] = make(chan error, 1)
	}
	return s.drops[key]
}

// failNext make the next connection attempts fail with the errors
func (s *fakeSource) failNext(key string, errs ...error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failures[key] = append(s.failures[key], errs...)
}

func (s *fakeSource) setOnWatch(hook func(key string)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.onWatch = hook
}

func (s *fakeSource) counts(key string) (int, int, int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.connects[key], s.active[key], s.maxActive[key]
}

func (s *fakeSource) watchRequests(key string) []upstream.WatchRequest {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]upstream.WatchRequest, len(s.requests[key]))
	copy(result, s.requests[key])
	return result
}

func (s *fakeSource) Watch(
	ctxt context.Context, req upstream.WatchRequest, onConnected func(), handler upstream.EventHandler,
) error {
	key := req.Descriptor.Key()
	s.lock.Lock()
	s.connects[key]++
	s.active[key]++
	if s.active[key] > s.maxActive[key] {
		s.maxActive[key] = s.active[key]
	}
	s.requests[key] = append(s.requests[key], req)
	var failure error
	if pending := s.failures[key]; len(pending) > 0 {
		failure = pending[0]
		s.failures[key] = pending[1:]
	}
	hook := s.onWatch
	s.lock.Unlock()
	defer func() {
		s.lock.Lock()
		s.active[key]--
		s.lock.Unlock()
	}()

	if hook != nil {
		hook(key)
	}
	if failure != nil {
		return failure
	}
	onConnected()
	feed := s.feed(key)
	drop := s.drop(key)
	for {
		select {
		case <-ctxt.Done():
			return nil
		case err := <-drop:
			return err
		case event := <-feed:
			if err := handler(ctxt, event); err != nil {
				return err
			}
		}
	}
}

func (s *fakeSource) Ready(_ context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.readyErr
}

// ===============================================================================

func testHubConfig() common.HubConfig {
	return common.HubConfig{
		Limits:     common.ConnectionLimitConfig{MaxClients: 16, MaxClientsPerUser: 8},
		Delivery:   common.DeliveryConfig{QueueDepth: 16, WriteTimeout: 1, KeepAliveInterval: 1},
		IdleReaper: common.IdleReaperConfig{IdleTimeout: 0, CheckInterval: 1},
		Backoff: common.BackoffConfig{
			InitialInterval: 1, Multiplier: 1.5, MaxInterval: 1, Jitter: 0, MaxAttempts: 0,
		},
	}
}

func defineTestHub(t *testing.T, cfg common.HubConfig, source upstream.Source) *hubImpl {
	uut, err := GetHub(context.Background(), Params{
		Config: cfg, Source: source, Metrics: prometheus.NewRegistry(),
	})
	assert.Nil(t, err)
	return uut.(*hubImpl)
}

func stopTestHub(t *testing.T, uut Hub) {
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	assert.Nil(t, uut.Stop(ctxt))
}

func readStreamEvent(stream *QueueStream) (StreamEvent, bool) {
	select {
	case event := <-stream.Events():
		return event, true
	case <-time.After(time.Second * 2):
		return StreamEvent{}, false
	}
}

func assertNoStreamEvent(t *testing.T, stream *QueueStream) {
	select {
	case event := <-stream.Events():
		assert.Failf(t, "unexpected event", "received %s", event)
	case <-time.After(time.Millisecond * 50):
	}
}

func isClosed(stream *QueueStream) bool {
	select {
	case <-stream.Done():
		return true
	default:
		return false
	}
}

var proxyDescriptor = common.ResourceDescriptor{
	Group: "networking", Version: "v1alpha", Resource: "httpproxies", Namespace: "default",
}

const proxyKey = "networking/v1alpha/httpproxies/default"
