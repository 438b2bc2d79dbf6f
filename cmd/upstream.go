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

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/watchhub/common"
	"github.com/alwitt/watchhub/core"
	"github.com/alwitt/watchhub/upstream"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

/*
DefineUpstreamSource connect to the configured upstream watch API

	@param config common.UpstreamConfig - upstream parameters
	@param instance string - instance name
	@param ctxtCancel context.CancelFunc - called if the upstream connection is lost for good
	@return the source, and a function to release its connection
*/
func DefineUpstreamSource(
	config common.UpstreamConfig, instance string, ctxtCancel context.CancelFunc,
) (upstream.Source, func(), error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "upstream",
		"instance":  instance,
	}

	switch config.Driver {
	case "kube":
		if config.Kube == nil {
			return nil, nil, fmt.Errorf("kube upstream driver can't start without its configurations")
		}
		client, err := core.GetKubeAPIClient(core.KubeAPIConnectParams{
			BaseURL:            config.Kube.BaseURL,
			CAFile:             config.Kube.CAFile,
			InsecureSkipVerify: config.Kube.InsecureSkipVerify,
			ConnectTimeout:     time.Second * time.Duration(config.Kube.ConnectTimeout),
			ResponseTimeout:    time.Second * time.Duration(config.Kube.ResponseTimeout),
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define upstream API client for %s", config.Kube.BaseURL,
			)
			return nil, nil, err
		}
		source, err := upstream.GetKubeSource(
			client, time.Second*time.Duration(config.Kube.WatchTimeout),
		)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return source, client.Close, nil

	case "jetstream":
		if config.JetStream == nil {
			return nil, nil, fmt.Errorf("jetstream upstream driver can't start without its configurations")
		}
		jsConfig := config.JetStream
		js, err := core.GetJetStream(core.NATSConnectParams{
			ServerURI:           jsConfig.NATS.ServerURI,
			ConnectTimeout:      time.Second * time.Duration(jsConfig.NATS.ConnectTimeout),
			MaxReconnectAttempt: jsConfig.NATS.Reconnect.MaxAttempts,
			ReconnectWait:       time.Second * time.Duration(jsConfig.NATS.Reconnect.WaitInterval),
			OnDisconnectCallback: func(_ *nats.Conn, e error) {
				log.WithError(e).WithFields(logTags).Errorf(
					"NATS client disconnected from server %s", jsConfig.NATS.ServerURI,
				)
			},
			OnReconnectCallback: func(_ *nats.Conn) {
				log.WithFields(logTags).Warnf(
					"NATS client reconnected with server %s", jsConfig.NATS.ServerURI,
				)
			},
			OnCloseCallback: func(_ *nats.Conn) {
				log.WithFields(logTags).Error("NATS client closed connection")
				ctxtCancel()
			},
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", jsConfig.NATS.ServerURI,
			)
			return nil, nil, err
		}
		release := func() {
			ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			js.Close(ctxt)
		}
		if err := upstream.EnsureEventStream(js, upstream.JetStreamStreamParam{
			Name:          jsConfig.StreamName,
			SubjectPrefix: jsConfig.SubjectPrefix,
			Create:        jsConfig.CreateStream,
			MaxAge:        time.Second * time.Duration(jsConfig.MaxAge),
		}); err != nil {
			release()
			return nil, nil, err
		}
		source, err := upstream.GetJetStreamSource(js, jsConfig.StreamName, jsConfig.SubjectPrefix)
		if err != nil {
			release()
			return nil, nil, err
		}
		return source, release, nil
	}

	return nil, nil, fmt.Errorf("unknown upstream driver '%s'", config.Driver)
}
