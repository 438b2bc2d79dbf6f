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

// Stats snapshot of the hub state
type Stats struct {
	// ClientCount is the number of registered clients
	ClientCount int `json:"client_count"`
	// ChannelCount is the number of active channels
	ChannelCount int `json:"channel_count"`
	// Channels is the subscriber count of each channel
	Channels map[string]int `json:"channels"`
	// Upstreams is the upstream watch state of each channel
	Upstreams map[string]UpstreamWatchState `json:"upstreams"`
}

// Stats take a consistent snapshot of the hub state
func (h *hubImpl) Stats() Stats {
	h.registry.lock.RLock()
	defer h.registry.lock.RUnlock()
	h.table.lock.Lock()
	defer h.table.lock.Unlock()

	result := Stats{
		ClientCount:  len(h.registry.clients),
		ChannelCount: len(h.table.channels),
		Channels:     make(map[string]int, len(h.table.channels)),
		Upstreams:    make(map[string]UpstreamWatchState, len(h.table.channels)),
	}
	for key, ch := range h.table.channels {
		ch.lock.RLock()
		result.Channels[key] = len(ch.subscribers)
		state := ch.state
		state.ResourceVersion = ch.resourceVersion
		if ch.state.NextRetryAt != nil {
			retryAt := *ch.state.NextRetryAt
			state.NextRetryAt = &retryAt
		}
		ch.lock.RUnlock()
		result.Upstreams[key] = state
	}
	return result
}
