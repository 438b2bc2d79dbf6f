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
	"sync"
)

// Stream event types
const (
	// StreamEventConnected first event sent on an accepted stream
	StreamEventConnected = "connected"
	// StreamEventWatch an upstream watch event
	StreamEventWatch = "watch"
	// StreamEventChannelError the channel was closed by a fatal upstream error
	StreamEventChannelError = "channel-error"
	// StreamEventCapacityError the stream was rejected as the connection cap is reached
	StreamEventCapacityError = "capacity-error"
)

// StreamEvent one message sent to a client over its delivery stream
type StreamEvent struct {
	// Type is the stream event type
	Type string `json:"type"`
	// Channel is the key of the channel the event originates from
	Channel string `json:"channel,omitempty"`
	// Payload is the upstream watch event
	Payload json.RawMessage `json:"payload,omitempty"`
	// Error describes the failure for error events
	Error string `json:"error,omitempty"`
	// ClientID is the ID of the receiving client
	ClientID string `json:"clientId,omitempty"`
}

// String toString function for StreamEvent
func (e StreamEvent) String() string {
	return fmt.Sprintf("%s@%s", e.Type, e.Channel)
}

// ErrStreamFull the delivery stream can not take more events
var ErrStreamFull = errors.New("delivery stream queue full")

// ErrStreamClosed the delivery stream is closed
var ErrStreamClosed = errors.New("delivery stream closed")

// DeliveryStream the outbound half of a client's event stream, as seen by the hub
type DeliveryStream interface {
	// Deliver queue one event for sending. This must not block.
	Deliver(event StreamEvent) error
	// Close stop the stream. Events not yet sent are dropped.
	Close()
}

// QueueStream DeliveryStream backed by a bounded FIFO. The stream writer
// drains Events until Done is closed.
type QueueStream struct {
	lock   sync.Mutex
	queue  chan StreamEvent
	done   chan struct{}
	closed bool
}

// NewQueueStream define a new QueueStream holding at most depth pending events
func NewQueueStream(depth int) *QueueStream {
	return &QueueStream{
		queue: make(chan StreamEvent, depth),
		done:  make(chan struct{}),
	}
}

// Deliver queue one event for sending
func (s *QueueStream) Deliver(event StreamEvent) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	select {
	case s.queue <- event:
		return nil
	default:
		return ErrStreamFull
	}
}

// Close stop the stream
func (s *QueueStream) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// Events the pending events
func (s *QueueStream) Events() <-chan StreamEvent {
	return s.queue
}

// Done closed once the stream is closed
func (s *QueueStream) Done() <-chan struct{} {
	return s.done
}
