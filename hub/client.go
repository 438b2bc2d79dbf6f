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
	"sync"
	"sync/atomic"
	"time"
)

// client one registered delivery stream
type client struct {
	id     string
	userID string
	stream DeliveryStream

	lock          sync.Mutex
	token         string
	subscriptions map[string]*channel
	lastActivity  time.Time
	removed       bool

	// evicting is set once the client is scheduled for removal as a slow consumer
	evicting atomic.Bool
}

func newClient(id, userID string, stream DeliveryStream, token string) *client {
	return &client{
		id:            id,
		userID:        userID,
		stream:        stream,
		token:         token,
		subscriptions: map[string]*channel{},
		lastActivity:  time.Now(),
	}
}

// currentToken the latest token, or false if the client is gone
func (c *client) currentToken() (string, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.token, !c.removed
}

func (c *client) touch() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.lastActivity = time.Now()
}

func (c *client) idleSince(cutoff time.Time) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return !c.removed && c.lastActivity.Before(cutoff)
}

// markRemoved flag the client as removed and return its subscriptions
func (c *client) markRemoved() map[string]*channel {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.removed {
		return nil
	}
	c.removed = true
	subscriptions := c.subscriptions
	c.subscriptions = map[string]*channel{}
	return subscriptions
}

// forget drop the subscription entry if it still refers to the channel
func (c *client) forget(ch *channel) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if current, ok := c.subscriptions[ch.key]; ok && current == ch {
		delete(c.subscriptions, ch.key)
	}
}
