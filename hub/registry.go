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
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
)

// clientRegistry tracks the registered clients and enforces the connection caps
type clientRegistry struct {
	lock       sync.RWMutex
	clients    map[string]*client
	perUser    map[string]int
	maxClients int
	maxPerUser int
	closed     bool
}

func newClientRegistry(maxClients, maxPerUser int) *clientRegistry {
	return &clientRegistry{
		clients:    map[string]*client{},
		perUser:    map[string]int{},
		maxClients: maxClients,
		maxPerUser: maxPerUser,
	}
}

/*
register add a client, replacing a client with the same ID and owner

 @param c *client - new client
 @return whether accepted, and the client it replaced if any
*/
func (r *clientRegistry) register(c *client) (bool, *client) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return false, nil
	}
	existing, ok := r.clients[c.id]
	if ok && existing.userID != c.userID {
		return false, nil
	}
	total := len(r.clients)
	userTotal := r.perUser[c.userID]
	if ok {
		total--
		userTotal--
	}
	if total >= r.maxClients || userTotal >= r.maxPerUser {
		return false, nil
	}
	if ok {
		r.dropLocked(existing)
	}
	r.clients[c.id] = c
	r.perUser[c.userID]++
	return true, existing
}

// remove delete the client with the ID. If instance is set, only that instance is removed.
func (r *clientRegistry) remove(id string, instance *client) *client {
	r.lock.Lock()
	defer r.lock.Unlock()
	existing, ok := r.clients[id]
	if !ok || (instance != nil && existing != instance) {
		return nil
	}
	r.dropLocked(existing)
	return existing
}

func (r *clientRegistry) dropLocked(c *client) {
	delete(r.clients, c.id)
	r.perUser[c.userID]--
	if r.perUser[c.userID] <= 0 {
		delete(r.perUser, c.userID)
	}
}

func (r *clientRegistry) get(id string) *client {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.clients[id]
}

func (r *clientRegistry) count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.clients)
}

// close refuse further registrations and return the current clients
func (r *clientRegistry) close() []*client {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.closed = true
	return r.snapshotLocked()
}

func (r *clientRegistry) snapshot() []*client {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.snapshotLocked()
}

func (r *clientRegistry) snapshotLocked() []*client {
	result := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].id < result[j].id })
	return result
}

// ===============================================================================
// Hub client operations

// RegisterClient record a new client delivery stream
func (h *hubImpl) RegisterClient(id, userID string, stream DeliveryStream, token string) bool {
	logTags := h.ChildLogTags(log.Fields{"client": id, "user": userID})
	c := newClient(id, userID, stream, token)
	accepted, replaced := h.registry.register(c)
	if !accepted {
		h.metrics.rejectedClients.Inc()
		log.WithFields(logTags).Info("Client registration rejected")
		return false
	}
	h.metrics.clients.Inc()
	if replaced != nil {
		log.WithFields(logTags).Info("Client re-registered, dropping previous stream")
		h.metrics.clients.Dec()
		h.releaseClient(replaced)
	}
	log.WithFields(logTags).Debug("Registered client")
	return true
}

// RemoveClient remove a client and detach it from all channels
func (h *hubImpl) RemoveClient(id string) {
	if c := h.registry.remove(id, nil); c != nil {
		h.metrics.clients.Dec()
		h.releaseClient(c)
	}
}

// ReleaseStream remove the client only if it is still using the stream
func (h *hubImpl) ReleaseStream(id string, stream DeliveryStream) {
	c := h.registry.get(id)
	if c == nil || c.stream != stream {
		return
	}
	h.removeClientInstance(c)
}

func (h *hubImpl) removeClientInstance(c *client) {
	if h.registry.remove(c.id, c) != nil {
		h.metrics.clients.Dec()
		h.releaseClient(c)
	}
}

// releaseClient close the stream of a client no longer in the registry and
// detach it from its channels
func (h *hubImpl) releaseClient(c *client) {
	subscriptions := c.markRemoved()
	c.stream.Close()
	for _, ch := range subscriptions {
		h.detach(ch, c)
	}
	log.WithFields(h.ChildLogTags(log.Fields{"client": c.id})).Debugf(
		"Removed client with %d subscriptions", len(subscriptions),
	)
}

// IsClientOwnedBy whether the client exists and belongs to the user
func (h *hubImpl) IsClientOwnedBy(id, userID string) bool {
	c := h.registry.get(id)
	return c != nil && c.userID == userID
}

// UpdateClientToken replace the upstream credential of a client
func (h *hubImpl) UpdateClientToken(id, token string) {
	if c := h.registry.get(id); c != nil {
		c.lock.Lock()
		c.token = token
		c.lastActivity = time.Now()
		c.lock.Unlock()
	}
}

// TouchClient record activity for a client
func (h *hubImpl) TouchClient(id string) {
	if c := h.registry.get(id); c != nil {
		c.touch()
	}
}

// reapIdleClients remove clients with no activity since the cutoff
func (h *hubImpl) reapIdleClients(cutoff time.Time) int {
	reaped := 0
	for _, c := range h.registry.snapshot() {
		if c.idleSince(cutoff) {
			log.WithFields(h.ChildLogTags(log.Fields{"client": c.id})).Info("Reaping idle client")
			h.removeClientInstance(c)
			reaped++
		}
	}
	return reaped
}
