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
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/alwitt/watchhub/common"
	"github.com/alwitt/watchhub/core"
	"github.com/apex/log"
)

// kubeStatus subset of the Kubernetes "Status" object
type kubeStatus struct {
	Code    int    `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type kubeObjectMeta struct {
	Metadata struct {
		ResourceVersion string `json:"resourceVersion"`
	} `json:"metadata"`
}

// kubeSource watch source for Kubernetes-style REST APIs
type kubeSource struct {
	common.Component
	client       *core.KubeAPIClient
	watchTimeout time.Duration
}

/*
GetKubeSource define a new Kubernetes-style watch source

 @param client *core.KubeAPIClient - API server client
 @param watchTimeout time.Duration - server side watch duration to request. 0 uses the server default.
 @return the source
*/
func GetKubeSource(client *core.KubeAPIClient, watchTimeout time.Duration) (Source, error) {
	base := client.BaseURL()
	logTags := log.Fields{
		"module":    "upstream",
		"component": "kube-source",
		"instance":  base.Host,
	}
	return &kubeSource{
		Component:    common.Component{LogTags: logTags},
		client:       client,
		watchTimeout: watchTimeout,
	}, nil
}

// WatchURL build the watch URL for a request
func (s *kubeSource) WatchURL(req WatchRequest) string {
	target := s.client.BaseURL()
	d := req.Descriptor
	segments := []string{"/", target.Path}
	if d.Group == "" {
		segments = append(segments, "api", d.Version)
	} else {
		segments = append(segments, "apis", d.Group, d.Version)
	}
	if d.Namespace != "" {
		segments = append(segments, "namespaces", d.Namespace)
	}
	segments = append(segments, d.Resource)
	target.Path = path.Join(segments...)

	query := url.Values{}
	query.Set("watch", "1")
	query.Set("allowWatchBookmarks", "true")
	if req.ResourceVersion != "" {
		query.Set("resourceVersion", req.ResourceVersion)
	}
	if d.LabelSelector != "" {
		query.Set("labelSelector", d.LabelSelector)
	}
	if d.FieldSelector != "" {
		query.Set("fieldSelector", d.FieldSelector)
	}
	if s.watchTimeout > 0 {
		query.Set("timeoutSeconds", strconv.Itoa(int(s.watchTimeout.Seconds())))
	}
	target.RawQuery = query.Encode()
	return target.String()
}

// Watch open one watch connection and stream events into the handler
func (s *kubeSource) Watch(
	ctxt context.Context, req WatchRequest, onConnected func(), handler EventHandler,
) error {
	logTags := s.ChildLogTags(log.Fields{"channel": req.Descriptor.Key()})
	watchURL := s.WatchURL(req)

	httpReq, err := http.NewRequestWithContext(ctxt, http.MethodGet, watchURL, nil)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define watch request %s", watchURL)
		return &FatalError{Reason: "invalid watch request", Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Token != "" {
		httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", req.Token))
	}

	resp, err := s.client.HTTP().Do(httpReq)
	if err != nil {
		if ctxt.Err() != nil {
			return nil
		}
		log.WithError(err).WithFields(logTags).Debug("Watch connect failed")
		return &TransientError{Reason: "connect failed", Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		reason := readStatusReason(resp)
		log.WithFields(logTags).Debugf("Watch rejected with HTTP %d: %s", resp.StatusCode, reason)
		return ClassifyStatus(resp.StatusCode, reason)
	}
	log.WithFields(logTags).Debugf("Watch connected %s", watchURL)
	onConnected()

	decoder := json.NewDecoder(resp.Body)
	for {
		var event WatchEvent
		if err := decoder.Decode(&event); err != nil {
			if ctxt.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return &TransientError{Reason: "watch closed by upstream", Err: ErrWatchExpired}
			}
			return &TransientError{Reason: "watch stream read failed", Err: err}
		}
		if event.Type == EventError {
			return statusEventError(event.Object)
		}
		var meta kubeObjectMeta
		if err := json.Unmarshal(event.Object, &meta); err == nil {
			event.Cursor = meta.Metadata.ResourceVersion
		}
		if err := handler(ctxt, event); err != nil {
			return err
		}
	}
}

// statusEventError convert the Status object of an ERROR watch event
func statusEventError(object json.RawMessage) error {
	var status kubeStatus
	if err := json.Unmarshal(object, &status); err != nil || status.Code == 0 {
		return &TransientError{Reason: "watch error event without status"}
	}
	return ClassifyStatus(status.Code, status.Message)
}

// readStatusReason describe a failed watch response, preferring the Status message
func readStatusReason(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil {
		var status kubeStatus
		if json.Unmarshal(body, &status) == nil && status.Message != "" {
			return status.Message
		}
		if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
			return trimmed
		}
	}
	return http.StatusText(resp.StatusCode)
}

// Ready whether the API server is answering requests
func (s *kubeSource) Ready(ctxt context.Context) error {
	target := s.client.BaseURL()
	target.Path = path.Join("/", target.Path, "readyz")
	httpReq, err := http.NewRequestWithContext(ctxt, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.HTTP().Do(httpReq)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("API server readiness check failed")
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("API server readiness check returned HTTP %d", resp.StatusCode)
	}
	return nil
}
