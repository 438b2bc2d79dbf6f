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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/alwitt/watchhub/common"
	"github.com/alwitt/watchhub/upstream"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestHubExampleScenario(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	source := newFakeSource()
	uut := defineTestHub(t, testHubConfig(), source)
	defer stopTestHub(t, uut)

	streamA := NewQueueStream(8)
	streamB := NewQueueStream(8)
	assert.True(uut.RegisterClient("A", "user-1", streamA, "token-a"))
	assert.True(uut.RegisterClient("B", "user-1", streamB, "token-b"))

	// Case 0: both clients land on the same channel
	keyA, err := uut.Subscribe("A", proxyDescriptor)
	assert.Nil(err)
	keyB, err := uut.Subscribe("B", proxyDescriptor)
	assert.Nil(err)
	assert.Equal(proxyKey, keyA)
	assert.Equal(proxyKey, keyB)

	// Case 1: one upstream event reaches both clients once
	source.feed(proxyKey) <- upstream.WatchEvent{
		Type:   upstream.EventModified,
		Object: json.RawMessage(`{"name":"my-proxy"}`),
		Cursor: "7",
	}
	for _, stream := range []*QueueStream{streamA, streamB} {
		event, ok := readStreamEvent(stream)
		assert.True(ok)
		assert.Equal(StreamEventWatch, event.Type)
		assert.Equal(proxyKey, event.Channel)
		assert.JSONEq(`{"type":"MODIFIED","object":{"name":"my-proxy"}}`, string(event.Payload))
		assertNoStreamEvent(t, stream)
	}

	// Case 2: B unsubscribes
	assert.Nil(uut.Unsubscribe("B", proxyKey))
	stats := uut.Stats()
	assert.Equal(1, stats.ChannelCount)
	assert.Equal(1, stats.Channels[proxyKey])
	assert.Equal("7", stats.Upstreams[proxyKey].ResourceVersion)

	// Case 3: A disconnects
	uut.ReleaseStream("A", streamA)
	stats = uut.Stats()
	assert.Equal(0, stats.ChannelCount)
	assert.Equal(1, stats.ClientCount)
	assert.True(isClosed(streamA))
	assert.Eventually(func() bool {
		_, active, _ := source.counts(proxyKey)
		return active == 0
	}, time.Second*2, time.Millisecond*10)
}

func TestHubDeduplication(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	source := newFakeSource()
	uut := defineTestHub(t, testHubConfig(), source)
	defer stopTestHub(t, uut)

	selectors := []string{"app=proxy,tier=web", "tier=web,app=proxy", " tier==web , app=proxy,app=proxy"}
	keys := map[string]bool{}
	for idx, selector := range selectors {
		clientID := fmt.Sprintf("client-%d", idx)
		assert.True(uut.RegisterClient(clientID, "user-1", NewQueueStream(8), "token"))
		descriptor := proxyDescriptor
		descriptor.LabelSelector = selector
		key, err := uut.Subscribe(clientID, descriptor)
		assert.Nil(err)
		keys[key] = true
	}

	// Case 0: one channel with every client attached
	assert.Len(keys, 1)
	expectedKey := proxyKey + "?l=app=proxy,tier=web"
	assert.True(keys[expectedKey])
	stats := uut.Stats()
	assert.Equal(1, stats.ChannelCount)
	assert.Equal(len(selectors), stats.Channels[expectedKey])

	// Case 1: one upstream connection
	assert.Eventually(func() bool {
		_, active, _ := source.counts(expectedKey)
		return active == 1
	}, time.Second*2, time.Millisecond*10)
	connects, _, maxActive := source.counts(expectedKey)
	assert.Equal(1, connects)
	assert.Equal(1, maxActive)

	// Case 2: subscribing twice is a no-op
	key, err := uut.Subscribe("client-0", proxyDescriptor)
	assert.Nil(err)
	key2, err := uut.Subscribe("client-0", proxyDescriptor)
	assert.Nil(err)
	assert.Equal(key, key2)
	assert.Equal(1, uut.Stats().Channels[proxyKey])
}

func TestHubFanOut(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	source := newFakeSource()
	uut := defineTestHub(t, testHubConfig(), source)
	defer stopTestHub(t, uut)

	secretDescriptor := common.ResourceDescriptor{Version: "v1", Resource: "secrets", Namespace: "default"}
	secretKey := "/v1/secrets/default"

	streams := map[string]*QueueStream{}
	for _, clientID := range []string{"a", "b", "c"} {
		streams[clientID] = NewQueueStream(8)
		assert.True(uut.RegisterClient(clientID, "user-1", streams[clientID], "token"))
	}
	for _, clientID := range []string{"a", "b"} {
		_, err := uut.Subscribe(clientID, proxyDescriptor)
		assert.Nil(err)
	}
	key, err := uut.Subscribe("c", secretDescriptor)
	assert.Nil(err)
	assert.Equal(secretKey, key)

	// Case 0: events reach only the subscribers of the channel, in order
	for idx := 0; idx < 5; idx++ {
		source.feed(proxyKey) <- upstream.WatchEvent{
			Type:   upstream.EventModified,
			Object: json.RawMessage(fmt.Sprintf(`{"metadata":{"name":"p%d"}}`, idx)),
		}
	}
	for _, clientID := range []string{"a", "b"} {
		for idx := 0; idx < 5; idx++ {
			event, ok := readStreamEvent(streams[clientID])
			assert.True(ok)
			assert.Equal(proxyKey, event.Channel)
			var payload upstream.WatchEvent
			assert.Nil(json.Unmarshal(event.Payload, &payload))
			assert.JSONEq(fmt.Sprintf(`{"metadata":{"name":"p%d"}}`, idx), string(payload.Object))
		}
		assertNoStreamEvent(t, streams[clientID])
	}
	assertNoStreamEvent(t, streams["c"])

	// Case 1: bookmarks only advance the resource version
	source.feed(secretKey) <- upstream.WatchEvent{Type: upstream.EventBookmark, Cursor: "42"}
	assert.Eventually(func() bool {
		return uut.Stats().Upstreams[secretKey].ResourceVersion == "42"
	}, time.Second*2, time.Millisecond*10)
	assertNoStreamEvent(t, streams["c"])
}

func TestHubTeardown(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	source := newFakeSource()
	uut := defineTestHub(t, testHubConfig(), source)
	defer stopTestHub(t, uut)

	stream := NewQueueStream(8)
	assert.True(uut.RegisterClient("a", "user-1", stream, "token"))

	// Case 0: last subscriber leaving removes the channel and the upstream watch
	_, err := uut.Subscribe("a", proxyDescriptor)
	assert.Nil(err)
	assert.Eventually(func() bool {
		_, active, _ := source.counts(proxyKey)
		return active == 1
	}, time.Second*2, time.Millisecond*10)
	assert.Nil(uut.Unsubscribe("a", proxyKey))
	assert.Equal(0, uut.Stats().ChannelCount)
	assert.Eventually(func() bool {
		_, active, _ := source.counts(proxyKey)
		return active == 0
	}, time.Second*2, time.Millisecond*10)
	time.Sleep(time.Millisecond * 50)
	connects, _, _ := source.counts(proxyKey)
	assert.Equal(1, connects)

	// Case 1: unsubscribe is idempotent
	assert.Nil(uut.Unsubscribe("a", proxyKey))
	assert.Nil(uut.Unsubscribe("a", "no/such/channel/*"))
	assert.Nil(uut.Unsubscribe("unknown", proxyKey))

	// Case 2: rapid subscribe churn never runs two upstream watches for one key
	for idx := 0; idx < 20; idx++ {
		_, err := uut.Subscribe("a", proxyDescriptor)
		assert.Nil(err)
		assert.Nil(uut.Unsubscribe("a", proxyKey))
	}
	_, err = uut.Subscribe("a", proxyDescriptor)
	assert.Nil(err)
	assert.Eventually(func() bool {
		_, active, _ := source.counts(proxyKey)
		return active == 1
	}, time.Second*2, time.Millisecond*10)
	_, _, maxActive := source.counts(proxyKey)
	assert.Equal(1, maxActive)
}

func TestHubTeardownWhileBackingOff(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	cfg := testHubConfig()
	cfg.Backoff.InitialInterval = 300
	source := newFakeSource()
	uut := defineTestHub(t, cfg, source)
	defer stopTestHub(t, uut)

	source.failNext(proxyKey, &upstream.TransientError{Reason: "connection reset"})

	stream := NewQueueStream(8)
	assert.True(uut.RegisterClient("a", "user-1", stream, "token"))
	_, err := uut.Subscribe("a", proxyDescriptor)
	assert.Nil(err)

	// Case 0: the first attempt fails and the engine waits out the backoff
	assert.Eventually(func() bool {
		state := uut.Stats().Upstreams[proxyKey]
		return state.Status == WatchStatusBackingOff && state.Attempt == 1
	}, time.Second*2, time.Millisecond*5)

	// Case 1: the last subscriber leaves during the backoff
	assert.Nil(uut.Unsubscribe("a", proxyKey))
	assert.Equal(0, uut.Stats().ChannelCount)

	// Case 2: the pending retry never fires
	time.Sleep(time.Millisecond * 800)
	connects, active, _ := source.counts(proxyKey)
	assert.Equal(1, connects)
	assert.Equal(0, active)
	assert.Equal(0, uut.Stats().ChannelCount)
	assertNoStreamEvent(t, stream)
}

func TestHubOwnership(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	source := newFakeSource()
	uut := defineTestHub(t, testHubConfig(), source)
	defer stopTestHub(t, uut)

	stream := NewQueueStream(8)
	assert.True(uut.RegisterClient("a", "user-a", stream, "token-a"))
	_, err := uut.Subscribe("a", proxyDescriptor)
	assert.Nil(err)

	// Case 0: ownership checks
	assert.True(uut.IsClientOwnedBy("a", "user-a"))
	assert.False(uut.IsClientOwnedBy("a", "user-b"))
	assert.False(uut.IsClientOwnedBy("unknown", "user-a"))

	// Case 1: another user can not take over the client ID
	other := NewQueueStream(8)
	assert.False(uut.RegisterClient("a", "user-b", other, "token-b"))
	assert.False(isClosed(stream))
	assert.True(uut.IsClientOwnedBy("a", "user-a"))
	assert.Equal(1, uut.Stats().Channels[proxyKey])

	// Case 2: the same user re-registering replaces the previous stream
	replacement := NewQueueStream(8)
	assert.True(uut.RegisterClient("a", "user-a", replacement, "token-a2"))
	assert.True(isClosed(stream))
	assert.False(isClosed(replacement))
	assert.Equal(1, uut.Stats().ClientCount)
	assert.Equal(0, uut.Stats().ChannelCount)

	// Case 3: the old stream ending does not remove the new registration
	uut.ReleaseStream("a", stream)
	assert.True(uut.IsClientOwnedBy("a", "user-a"))
	uut.ReleaseStream("a", replacement)
	assert.False(uut.IsClientOwnedBy("a", "user-a"))

	// Case 4: unknown client can not subscribe
	_, err = uut.Subscribe("a", proxyDescriptor)
	assert.True(errors.Is(err, ErrUnknownClient))
}

func TestHubReconnection(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	source := newFakeSource()
	uut := defineTestHub(t, testHubConfig(), source)
	defer stopTestHub(t, uut)

	observedAttempts := make(chan int, 32)
	source.setOnWatch(func(key string) {
		observedAttempts <- uut.Stats().Upstreams[key].Attempt
	})
	source.failNext(
		proxyKey,
		&upstream.TransientError{Reason: "connection reset"},
		upstream.ClassifyStatus(http.StatusServiceUnavailable, "overloaded"),
		upstream.ClassifyStatus(http.StatusTooManyRequests, "slow down"),
	)

	stream := NewQueueStream(8)
	assert.True(uut.RegisterClient("a", "user-1", stream, "token"))
	_, err := uut.Subscribe("a", proxyDescriptor)
	assert.Nil(err)

	// Case 0: attempt counter grows with each failure and resets once connected
	for expected := 0; expected <= 3; expected++ {
		select {
		case attempt := <-observedAttempts:
			assert.Equal(expected, attempt)
		case <-time.After(time.Second * 2):
			assert.Failf("missing attempt", "attempt %d not observed", expected)
		}
	}
	assert.Eventually(func() bool {
		state := uut.Stats().Upstreams[proxyKey]
		return state.Status == WatchStatusStreaming && state.Attempt == 0
	}, time.Second*2, time.Millisecond*10)

	// Case 1: events flow without any error reaching the client
	source.feed(proxyKey) <- upstream.WatchEvent{
		Type: upstream.EventAdded, Object: json.RawMessage(`{}`), Cursor: "11",
	}
	event, ok := readStreamEvent(stream)
	assert.True(ok)
	assert.Equal(StreamEventWatch, event.Type)

	// Case 2: a dropped watch resumes from the last resource version
	source.drop(proxyKey) <- &upstream.TransientError{Reason: "watch closed"}
	assert.Eventually(func() bool {
		requests := source.watchRequests(proxyKey)
		return len(requests) == 5 && requests[4].ResourceVersion == "11"
	}, time.Second*2, time.Millisecond*10)

	// Case 3: an expired resource version restarts the watch from now
	source.drop(proxyKey) <- upstream.ClassifyStatus(http.StatusGone, "too old")
	assert.Eventually(func() bool {
		requests := source.watchRequests(proxyKey)
		return len(requests) == 6 && requests[5].ResourceVersion == ""
	}, time.Second*2, time.Millisecond*10)
	assertNoStreamEvent(t, stream)
	assert.Equal(1, uut.Stats().ChannelCount)
}

func TestHubWatchExpiryRenewal(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	cfg := testHubConfig()
	cfg.Backoff.InitialInterval = 5000
	cfg.Backoff.MaxInterval = 10
	source := newFakeSource()
	uut := defineTestHub(t, cfg, source)
	defer stopTestHub(t, uut)
	uut.minRenewLifetime = 0

	stream := NewQueueStream(8)
	assert.True(uut.RegisterClient("a", "user-1", stream, "token"))
	_, err := uut.Subscribe("a", proxyDescriptor)
	assert.Nil(err)
	assert.Eventually(func() bool {
		return uut.Stats().Upstreams[proxyKey].Status == WatchStatusStreaming
	}, time.Second*2, time.Millisecond*5)

	source.feed(proxyKey) <- upstream.WatchEvent{
		Type: upstream.EventAdded, Object: json.RawMessage(`{}`), Cursor: "41",
	}
	_, ok := readStreamEvent(stream)
	assert.True(ok)

	// Case 0: a normal expiry reconnects at once from the last version
	source.drop(proxyKey) <- &upstream.TransientError{
		Reason: "watch closed by upstream", Err: upstream.ErrWatchExpired,
	}
	assert.Eventually(func() bool {
		requests := source.watchRequests(proxyKey)
		return len(requests) == 2 && requests[1].ResourceVersion == "41"
	}, time.Second, time.Millisecond*5)
	assert.Eventually(func() bool {
		state := uut.Stats().Upstreams[proxyKey]
		return state.Status == WatchStatusStreaming && state.Attempt == 0
	}, time.Second, time.Millisecond*5)
	assertNoStreamEvent(t, stream)

	// Case 1: a watch expiring too soon after connecting backs off
	eagerSource := newFakeSource()
	eager := defineTestHub(t, cfg, eagerSource)
	defer stopTestHub(t, eager)
	eagerStream := NewQueueStream(8)
	assert.True(eager.RegisterClient("a", "user-1", eagerStream, "token"))
	_, err = eager.Subscribe("a", proxyDescriptor)
	assert.Nil(err)
	assert.Eventually(func() bool {
		return eager.Stats().Upstreams[proxyKey].Status == WatchStatusStreaming
	}, time.Second*2, time.Millisecond*5)
	eagerSource.drop(proxyKey) <- &upstream.TransientError{
		Reason: "watch closed by upstream", Err: upstream.ErrWatchExpired,
	}
	assert.Eventually(func() bool {
		state := eager.Stats().Upstreams[proxyKey]
		return state.Status == WatchStatusBackingOff && state.Attempt == 1
	}, time.Second, time.Millisecond*5)
	assert.Len(eagerSource.watchRequests(proxyKey), 1)
}

func TestHubTokenRefresh(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	source := newFakeSource()
	uut := defineTestHub(t, testHubConfig(), source)
	defer stopTestHub(t, uut)

	assert.True(uut.RegisterClient("b", "user-1", NewQueueStream(8), "token-b"))
	assert.True(uut.RegisterClient("a", "user-1", NewQueueStream(8), "token-a"))
	_, err := uut.Subscribe("b", proxyDescriptor)
	assert.Nil(err)
	_, err = uut.Subscribe("a", proxyDescriptor)
	assert.Nil(err)
	assert.Eventually(func() bool {
		return uut.Stats().Upstreams[proxyKey].Status == WatchStatusStreaming
	}, time.Second*2, time.Millisecond*10)

	lastToken := func() string {
		requests := source.watchRequests(proxyKey)
		return requests[len(requests)-1].Token
	}

	// Case 0: reconnect uses the refreshed token of the lowest client ID
	uut.UpdateClientToken("a", "token-a2")
	source.drop(proxyKey) <- &upstream.TransientError{Reason: "watch closed"}
	assert.Eventually(func() bool {
		return len(source.watchRequests(proxyKey)) == 2 && lastToken() == "token-a2"
	}, time.Second*2, time.Millisecond*10)

	// Case 1: once that client leaves, another subscriber's token is used
	uut.RemoveClient("a")
	source.drop(proxyKey) <- &upstream.TransientError{Reason: "watch closed"}
	assert.Eventually(func() bool {
		return len(source.watchRequests(proxyKey)) == 3 && lastToken() == "token-b"
	}, time.Second*2, time.Millisecond*10)
}

func TestHubFatalError(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	source := newFakeSource()
	uut := defineTestHub(t, testHubConfig(), source)
	defer stopTestHub(t, uut)

	streams := []*QueueStream{NewQueueStream(8), NewQueueStream(8)}
	for idx, stream := range streams {
		assert.True(uut.RegisterClient(fmt.Sprintf("c%d", idx), "user-1", stream, "token"))
	}
	for idx := range streams {
		_, err := uut.Subscribe(fmt.Sprintf("c%d", idx), proxyDescriptor)
		assert.Nil(err)
	}
	assert.Eventually(func() bool {
		return uut.Stats().Upstreams[proxyKey].Status == WatchStatusStreaming
	}, time.Second*2, time.Millisecond*10)

	// Case 0: every subscriber is told and the channel is closed
	source.drop(proxyKey) <- upstream.ClassifyStatus(http.StatusForbidden, "httpproxies is forbidden")
	for _, stream := range streams {
		event, ok := readStreamEvent(stream)
		assert.True(ok)
		assert.Equal(StreamEventChannelError, event.Type)
		assert.Equal(proxyKey, event.Channel)
		assert.Contains(event.Error, "httpproxies is forbidden")
		assert.False(isClosed(stream))
	}
	assert.Eventually(func() bool {
		return uut.Stats().ChannelCount == 0
	}, time.Second*2, time.Millisecond*10)
	assert.Equal(2, uut.Stats().ClientCount)
	connects, _, _ := source.counts(proxyKey)
	assert.Equal(1, connects)

	// Case 1: subscribing again starts a new upstream watch
	assert.Eventually(func() bool {
		key, err := uut.Subscribe("c0", proxyDescriptor)
		return err == nil && key == proxyKey && uut.Stats().Channels[proxyKey] == 1
	}, time.Second*2, time.Millisecond*10)
	assert.Eventually(func() bool {
		connects, active, _ := source.counts(proxyKey)
		return connects == 2 && active == 1
	}, time.Second*2, time.Millisecond*10)
}

func TestHubRetriesExhausted(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	source := newFakeSource()
	cfg := testHubConfig()
	cfg.Backoff.MaxAttempts = 3
	uut := defineTestHub(t, cfg, source)
	defer stopTestHub(t, uut)

	failures := []error{}
	for idx := 0; idx < 5; idx++ {
		failures = append(failures, &upstream.TransientError{Reason: "connection refused"})
	}
	source.failNext(proxyKey, failures...)

	stream := NewQueueStream(8)
	assert.True(uut.RegisterClient("a", "user-1", stream, "token"))
	_, err := uut.Subscribe("a", proxyDescriptor)
	assert.Nil(err)

	// Case 0: the channel closes after the allowed attempts
	event, ok := readStreamEvent(stream)
	assert.True(ok)
	assert.Equal(StreamEventChannelError, event.Type)
	assert.Contains(event.Error, "gave up after 3 attempts")
	connects, _, _ := source.counts(proxyKey)
	assert.Equal(3, connects)
}

func TestHubCapacity(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	source := newFakeSource()
	cfg := testHubConfig()
	cfg.Limits.MaxClients = 3
	cfg.Limits.MaxClientsPerUser = 2
	uut := defineTestHub(t, cfg, source)
	defer stopTestHub(t, uut)

	first := NewQueueStream(8)
	assert.True(uut.RegisterClient("u1-a", "user-1", first, "token"))
	assert.True(uut.RegisterClient("u1-b", "user-1", NewQueueStream(8), "token"))
	_, err := uut.Subscribe("u1-a", proxyDescriptor)
	assert.Nil(err)

	// Case 0: per user cap
	assert.False(uut.RegisterClient("u1-c", "user-1", NewQueueStream(8), "token"))
	assert.False(uut.IsClientOwnedBy("u1-c", "user-1"))

	// Case 1: process cap
	assert.True(uut.RegisterClient("u2-a", "user-2", NewQueueStream(8), "token"))
	assert.False(uut.RegisterClient("u3-a", "user-3", NewQueueStream(8), "token"))
	assert.Equal(3, uut.Stats().ClientCount)

	// Case 2: existing clients are unaffected
	source.feed(proxyKey) <- upstream.WatchEvent{Type: upstream.EventAdded, Object: json.RawMessage(`{}`)}
	event, ok := readStreamEvent(first)
	assert.True(ok)
	assert.Equal(StreamEventWatch, event.Type)

	// Case 3: re-registering an ID within the cap is allowed
	assert.True(uut.RegisterClient("u2-a", "user-2", NewQueueStream(8), "token"))

	// Case 4: removal frees a slot
	uut.RemoveClient("u1-b")
	uut.RemoveClient("u1-b")
	assert.True(uut.RegisterClient("u3-a", "user-3", NewQueueStream(8), "token"))
}

func TestHubSlowConsumer(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	source := newFakeSource()
	uut := defineTestHub(t, testHubConfig(), source)
	defer stopTestHub(t, uut)

	slow := NewQueueStream(1)
	fast := NewQueueStream(16)
	assert.True(uut.RegisterClient("slow", "user-1", slow, "token"))
	assert.True(uut.RegisterClient("fast", "user-1", fast, "token"))
	for _, clientID := range []string{"slow", "fast"} {
		_, err := uut.Subscribe(clientID, proxyDescriptor)
		assert.Nil(err)
	}

	// Case 0: the hung client is evicted, the other keeps receiving
	for idx := 0; idx < 4; idx++ {
		source.feed(proxyKey) <- upstream.WatchEvent{
			Type: upstream.EventModified, Object: json.RawMessage(fmt.Sprintf(`{"seq":%d}`, idx)),
		}
	}
	for idx := 0; idx < 4; idx++ {
		event, ok := readStreamEvent(fast)
		assert.True(ok)
		var payload upstream.WatchEvent
		assert.Nil(json.Unmarshal(event.Payload, &payload))
		assert.JSONEq(fmt.Sprintf(`{"seq":%d}`, idx), string(payload.Object))
	}
	assert.Eventually(func() bool {
		return isClosed(slow) &&
			!uut.IsClientOwnedBy("slow", "user-1") &&
			uut.Stats().Channels[proxyKey] == 1
	}, time.Second*2, time.Millisecond*10)
	assert.False(isClosed(fast))
}

func TestHubValidation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	source := newFakeSource()
	cfg := testHubConfig()
	cfg.Resources = []common.ResourceKindConfig{
		{Group: "networking", Version: "v1alpha", Resource: "httpproxies", Namespaced: true},
		{Group: "dns", Version: "v1", Resource: "zones", Namespaced: false},
	}
	uut := defineTestHub(t, cfg, source)
	defer stopTestHub(t, uut)

	assert.True(uut.RegisterClient("a", "user-1", NewQueueStream(8), "token"))

	// Case 0: malformed descriptors
	for _, descriptor := range []common.ResourceDescriptor{
		{Group: "networking", Resource: "httpproxies"},
		{Group: "networking", Version: "v1alpha", Resource: "Bad_Kind"},
		{Group: "networking", Version: "v1alpha", Resource: "httpproxies", LabelSelector: "a in (b"},
	} {
		_, err := uut.Subscribe("a", descriptor)
		assert.True(errors.Is(err, ErrValidation), "%v", descriptor)
	}

	// Case 1: kinds outside the catalog
	_, err := uut.Subscribe("a", common.ResourceDescriptor{Version: "v1", Resource: "secrets"})
	assert.True(errors.Is(err, ErrValidation))
	assert.Contains(err.Error(), "unknown resource kind")

	// Case 2: cluster scoped kind with a namespace
	_, err = uut.Subscribe("a", common.ResourceDescriptor{
		Group: "dns", Version: "v1", Resource: "zones", Namespace: "default",
	})
	assert.True(errors.Is(err, ErrValidation))

	// Case 3: nothing was created
	assert.Equal(0, uut.Stats().ChannelCount)
	time.Sleep(time.Millisecond * 20)
	assert.Len(source.watchRequests("/v1/secrets/*"), 0)
	assert.Len(source.watchRequests("dns/v1/zones/default"), 0)

	// Case 4: catalog kinds are accepted
	key, err := uut.Subscribe("a", common.ResourceDescriptor{Group: "dns", Version: "v1", Resource: "zones"})
	assert.Nil(err)
	assert.Equal("dns/v1/zones/*", key)
}

func TestHubIdleReaper(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	source := newFakeSource()
	uut := defineTestHub(t, testHubConfig(), source)
	defer stopTestHub(t, uut)

	idle := NewQueueStream(8)
	busy := NewQueueStream(8)
	assert.True(uut.RegisterClient("idle", "user-1", idle, "token"))
	assert.True(uut.RegisterClient("busy", "user-1", busy, "token"))
	_, err := uut.Subscribe("idle", proxyDescriptor)
	assert.Nil(err)

	// Case 0: nobody is idle yet
	assert.Equal(0, uut.reapIdleClients(time.Now().Add(-time.Minute)))

	// Case 1: only clients without activity since the cutoff are reaped
	cutoff := time.Now().Add(time.Millisecond * 5)
	time.Sleep(time.Millisecond * 10)
	uut.TouchClient("busy")
	assert.Equal(1, uut.reapIdleClients(cutoff))
	assert.True(isClosed(idle))
	assert.False(isClosed(busy))
	assert.Equal(0, uut.Stats().ChannelCount)
}

func TestHubStop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	source := newFakeSource()
	uut := defineTestHub(t, testHubConfig(), source)

	stream := NewQueueStream(8)
	assert.True(uut.RegisterClient("a", "user-1", stream, "token"))
	_, err := uut.Subscribe("a", proxyDescriptor)
	assert.Nil(err)
	assert.Nil(uut.Ready(uut.rootCtxt))

	// Case 0: stop releases all clients and upstream watches
	stopTestHub(t, uut)
	assert.True(isClosed(stream))
	_, active, _ := source.counts(proxyKey)
	assert.Equal(0, active)
	assert.Equal(0, uut.Stats().ClientCount)

	// Case 1: no registration after stop
	assert.False(uut.RegisterClient("b", "user-1", NewQueueStream(8), "token"))
	assert.NotNil(uut.Ready(uut.rootCtxt))
}
