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
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alwitt/watchhub/common"
	"github.com/alwitt/watchhub/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// ClusterScopeToken subject token used for objects which are not namespaced
const ClusterScopeToken = "_"

/*
JetStreamSubject build the subject resource change events for a descriptor are
published on: "<prefix>.<group>.<version>.<resource>.<namespace>".

The core group is "core" and "." in a group is replaced with "_". When the
descriptor has no namespace the last token is the "*" wildcard.
*/
func JetStreamSubject(prefix string, d common.ResourceDescriptor) string {
	group := "core"
	if d.Group != "" {
		group = strings.ReplaceAll(d.Group, ".", "_")
	}
	namespace := "*"
	if d.Namespace != "" {
		namespace = d.Namespace
	}
	return fmt.Sprintf("%s.%s.%s.%s.%s", prefix, group, d.Version, d.Resource, namespace)
}

// JetStreamStreamParam event stream parameters
type JetStreamStreamParam struct {
	// Name stream name
	Name string `validate:"required"`
	// SubjectPrefix prefix of all subjects captured by the stream
	SubjectPrefix string `validate:"required"`
	// Create whether to define the stream if missing
	Create bool
	// MaxAge retention of a newly defined stream. 0 keeps events forever.
	MaxAge time.Duration
}

/*
EnsureEventStream verify the event stream exists, defining it if permitted

 @param client *core.NatsClient - NATS client
 @param param JetStreamStreamParam - stream parameters
*/
func EnsureEventStream(client *core.NatsClient, param JetStreamStreamParam) error {
	logTags := client.ChildLogTags(log.Fields{"stream": param.Name})
	if _, err := client.JetStream().StreamInfo(param.Name); err == nil {
		log.WithFields(logTags).Info("Event stream present")
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) || !param.Create {
		log.WithError(err).WithFields(logTags).Error("Unable to read event stream info")
		return err
	}
	streamParam := nats.StreamConfig{
		Name:     param.Name,
		Subjects: []string{fmt.Sprintf("%s.>", param.SubjectPrefix)},
		MaxAge:   param.MaxAge,
	}
	if _, err := client.JetStream().AddStream(&streamParam); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event stream")
		return err
	}
	log.WithFields(logTags).Infof("Defined event stream for %s", streamParam.Subjects[0])
	return nil
}

// jetStreamSource watch source reading resource change events from JetStream
type jetStreamSource struct {
	common.Component
	client        *core.NatsClient
	streamName    string
	subjectPrefix string
}

/*
GetJetStreamSource define a new JetStream watch source.

Each message on the stream is one JSON watch event. The stream sequence number
serves as the resource version.

 @param client *core.NatsClient - NATS client
 @param streamName string - event stream name
 @param subjectPrefix string - event subject prefix
 @return the source
*/
func GetJetStreamSource(
	client *core.NatsClient, streamName, subjectPrefix string,
) (Source, error) {
	logTags := log.Fields{
		"module":    "upstream",
		"component": "jetstream-source",
		"instance":  streamName,
	}
	return &jetStreamSource{
		Component:     common.Component{LogTags: logTags},
		client:        client,
		streamName:    streamName,
		subjectPrefix: subjectPrefix,
	}, nil
}

// classifySubscribeError convert a consumer creation failure
func classifySubscribeError(err error) error {
	switch {
	case errors.Is(err, nats.ErrStreamNotFound),
		strings.Contains(err.Error(), "no stream matches subject"):
		return &FatalError{StatusCode: http.StatusNotFound, Reason: "no event stream for resource", Err: err}
	case errors.Is(err, nats.ErrAuthorization):
		return &FatalError{StatusCode: http.StatusForbidden, Reason: "not authorized", Err: err}
	}
	return &TransientError{Reason: "consumer create failed", Err: err}
}

// Watch open one watch connection and stream events into the handler
func (s *jetStreamSource) Watch(
	ctxt context.Context, req WatchRequest, onConnected func(), handler EventHandler,
) error {
	subject := JetStreamSubject(s.subjectPrefix, req.Descriptor)
	logTags := s.ChildLogTags(log.Fields{"channel": req.Descriptor.Key(), "subject": subject})

	opts := []nats.SubOpt{nats.AckNone()}
	if req.ResourceVersion != "" {
		seq, err := strconv.ParseUint(req.ResourceVersion, 10, 64)
		if err != nil {
			return &TransientError{
				Reason: fmt.Sprintf("resource version %q is not a stream sequence", req.ResourceVersion),
				Err:    ErrResourceVersionExpired,
			}
		}
		opts = append(opts, nats.StartSequence(seq+1))
	} else {
		opts = append(opts, nats.DeliverNew())
	}

	sub, err := s.client.JetStream().SubscribeSync(subject, opts...)
	if err != nil {
		if ctxt.Err() != nil {
			return nil
		}
		log.WithError(err).WithFields(logTags).Debug("Consumer create failed")
		return classifySubscribeError(err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(logTags).Debug("Consumer unsubscribe failed")
		}
	}()
	log.WithFields(logTags).Debug("Watch connected")
	onConnected()

	for {
		msg, err := sub.NextMsgWithContext(ctxt)
		if err != nil {
			if ctxt.Err() != nil {
				return nil
			}
			return &TransientError{Reason: "event read failed", Err: err}
		}
		meta, err := msg.Metadata()
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Message on %s lacks metadata", msg.Subject)
			continue
		}
		cursor := strconv.FormatUint(meta.Sequence.Stream, 10)

		var event WatchEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil || event.Type == "" {
			log.WithFields(logTags).Errorf("Skipping malformed event at sequence %s", cursor)
			event = WatchEvent{Type: EventBookmark}
		} else if matched, err := req.Descriptor.MatchesObject(event.Object); err != nil || !matched {
			// Only advance the cursor
			event = WatchEvent{Type: EventBookmark}
		}
		event.Cursor = cursor
		if err := handler(ctxt, event); err != nil {
			return err
		}
	}
}

// Ready whether NATS is connected and the event stream exists
func (s *jetStreamSource) Ready(ctxt context.Context) error {
	return s.client.StreamReady(ctxt, s.streamName)
}
