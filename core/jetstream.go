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

package core

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/watchhub/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams connection settings for the JetStream upstream
type NATSConnectParams struct {
	// ServerURI NATS server the resource change events are published to
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt reconnect attempts before the connection is closed. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close. The hub treats this as loss of its upstream.
	OnCloseCallback func(*nats.Conn)
}

/*
NatsClient the connection backing the JetStream watch source.

It only reads. The source creates one consumer per watched channel on the
event stream, and the hub readiness check asks it whether that stream is reachable.
*/
type NatsClient struct {
	common.Component
	nc *nats.Conn
	js nats.JetStreamContext
}

// Close flush then drop the connection
func (js *NatsClient) Close(ctxt context.Context) {
	if err := js.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("NATS flush failed")
	}
	js.nc.Close()
	log.WithFields(js.LogTags).Infof("Closed JetStream upstream connection")
}

// JetStream fetch JetStream client
func (js *NatsClient) JetStream() nats.JetStreamContext {
	return js.js
}

// Connected whether the NATS connection is currently usable
func (js *NatsClient) Connected() bool {
	return js.nc.Status() == nats.CONNECTED
}

// StreamReady verify the connection is up and the event stream can be read
func (js *NatsClient) StreamReady(ctxt context.Context, stream string) error {
	if !js.Connected() {
		return fmt.Errorf("NATS not connected: %s", js.nc.Status())
	}
	if _, err := js.js.StreamInfo(stream, nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("Event stream %s not readable", stream)
		return err
	}
	return nil
}

/*
GetJetStream connect to the NATS server carrying the resource change events

 @param param NATSConnectParams - connection settings
 @return the connection
*/
func GetJetStream(param NATSConnectParams) (*NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "jetstream-upstream",
		"instance":  param.ServerURI,
	}
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ReconnectHandler(param.OnReconnectCallback),
		nats.ClosedHandler(param.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS connect failed")
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define JetStream context")
		nc.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Connected JetStream upstream")

	return &NatsClient{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
		js:        js,
	}, nil
}
