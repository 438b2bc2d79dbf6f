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
	"errors"

	"github.com/apex/log"
)

/*
broadcast deliver an event to every current subscriber of the channel.

The subscriber set is read locked for the duration. Delivery only enqueues
and never blocks.

 @param ch *channel - source channel
 @param event StreamEvent - the event
 @return number of clients the event was queued for
*/
func (h *hubImpl) broadcast(ch *channel, event StreamEvent) int {
	ch.lock.RLock()
	defer ch.lock.RUnlock()
	delivered := 0
	for _, c := range ch.subscribers {
		if h.deliver(c, event) {
			delivered++
		}
	}
	return delivered
}

// deliver queue one event for a client. A client whose queue is full is
// evicted in the background.
func (h *hubImpl) deliver(c *client, event StreamEvent) bool {
	err := c.stream.Deliver(event)
	if err == nil {
		h.metrics.eventsDelivered.Inc()
		return true
	}
	if errors.Is(err, ErrStreamFull) && c.evicting.CompareAndSwap(false, true) {
		h.metrics.slowConsumerEvictions.Inc()
		log.WithFields(h.ChildLogTags(log.Fields{"client": c.id, "channel": event.Channel})).Warn(
			"Client delivery queue full, evicting",
		)
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.removeClientInstance(c)
		}()
	}
	return false
}
