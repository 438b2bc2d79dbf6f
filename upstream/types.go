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

package upstream

import (
	"context"
	"encoding/json"

	"github.com/alwitt/watchhub/common"
)

// Watch event types
const (
	EventAdded    = "ADDED"
	EventModified = "MODIFIED"
	EventDeleted  = "DELETED"
	EventBookmark = "BOOKMARK"
	EventError    = "ERROR"
)

// WatchEvent one event read from an upstream watch
type WatchEvent struct {
	// Type is the event type
	Type string `json:"type"`
	// Object is the resource object the event is about
	Object json.RawMessage `json:"object"`
	// Cursor is the resource version to resume after this event. Empty if
	// the event does not carry one.
	Cursor string `json:"-"`
}

// WatchRequest parameters for one upstream watch connection
type WatchRequest struct {
	// Descriptor the normalized resource descriptor to watch
	Descriptor common.ResourceDescriptor
	// ResourceVersion resume after this version. Empty starts from "now".
	ResourceVersion string
	// Token bearer credential presented to upstream
	Token string
}

// EventHandler processes one watch event. A returned error ends the watch.
type EventHandler func(ctxt context.Context, event WatchEvent) error

// Source an upstream watch API
type Source interface {
	/*
		Watch open one watch connection and stream events into the handler

		 @param ctxt context.Context - cancelling it closes the connection
		 @param req WatchRequest - what to watch
		 @param onConnected func() - called once the connection is established
		 @param handler EventHandler - event processor
		 @return nil if the context was cancelled, otherwise why the watch ended. A
		         FatalError means reconnecting will not help.
	*/
	Watch(ctxt context.Context, req WatchRequest, onConnected func(), handler EventHandler) error

	// Ready whether the upstream is currently reachable
	Ready(ctxt context.Context) error
}
