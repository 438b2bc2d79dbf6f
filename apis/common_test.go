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

package apis

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/watchhub/common"
	"github.com/alwitt/watchhub/hub"
	"github.com/alwitt/watchhub/upstream"
	"github.com/stretchr/testify/assert"
)

// feedSource upstream source streaming one shared feed to every watch
type feedSource struct {
	lock     sync.Mutex
	feed     chan upstream.WatchEvent
	readyErr error
}

func newFeedSource() *feedSource {
	return &feedSource{feed: make(chan upstream.WatchEvent, 16)}
}

func (s *feedSource) setReadyErr(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.readyErr = err
}

func (s *feedSource) Watch(
	ctxt context.Context, _ upstream.WatchRequest, onConnected func(), handler upstream.EventHandler,
) error {
	onConnected()
	for {
		select {
		case <-ctxt.Done():
			return nil
		case event := <-s.feed:
			if err := handler(ctxt, event); err != nil {
				return err
			}
		}
	}
}

func (s *feedSource) Ready(_ context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.readyErr
}

// ===============================================================================

const (
	testUserHeader  = "X-Forwarded-User"
	testTokenHeader = "Authorization"
	testOrigin      = "https://console.example.com"
)

type testServer struct {
	core   hub.Hub
	source *feedSource
	server *httptest.Server
	cancel context.CancelFunc
}

func testAPIConfig(environment string) common.APIServerConfig {
	return common.APIServerConfig{
		HTTPSetting: common.HTTPConfig{
			Logging: common.HTTPRequestLogging{RequestIDHeader: "Watchhub-Request-ID"},
		},
		PathPrefix:  "/",
		Environment: environment,
		Session:     common.SessionConfig{UserIDHeader: testUserHeader, TokenHeader: testTokenHeader},
		CORS:        common.CORSConfig{AllowedOrigins: []string{testOrigin}, MaxAge: 60},
	}
}

func testHubConfig() common.HubConfig {
	return common.HubConfig{
		Limits:     common.ConnectionLimitConfig{MaxClients: 16, MaxClientsPerUser: 8},
		Delivery:   common.DeliveryConfig{QueueDepth: 16, WriteTimeout: 1, KeepAliveInterval: 1},
		IdleReaper: common.IdleReaperConfig{IdleTimeout: 0, CheckInterval: 1},
		Backoff: common.BackoffConfig{
			InitialInterval: 1, Multiplier: 1.5, MaxInterval: 1, Jitter: 0, MaxAttempts: 0,
		},
	}
}

func defineTestServer(t *testing.T, hubCfg common.HubConfig, environment string) *testServer {
	source := newFeedSource()
	ctxt, cancel := context.WithCancel(context.Background())
	core, err := hub.GetHub(ctxt, hub.Params{Config: hubCfg, Source: source})
	assert.Nil(t, err)
	apiCfg := testAPIConfig(environment)
	handler, err := GetAPIRestHubHandler(
		ctxt,
		core,
		HeaderSessionResolver{UserIDHeader: testUserHeader, TokenHeader: testTokenHeader},
		hubCfg.Delivery,
		&apiCfg,
	)
	assert.Nil(t, err)
	return &testServer{
		core:   core,
		source: source,
		server: httptest.NewServer(BuildHubRouter(handler, &apiCfg, nil)),
		cancel: cancel,
	}
}

func (s *testServer) stop(t *testing.T) {
	s.cancel()
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	assert.Nil(t, s.core.Stop(ctxt))
	s.server.Close()
}

func (s *testServer) request(
	t *testing.T, method, path, user string, body interface{},
) *http.Response {
	var payload bytes.Buffer
	if body != nil {
		switch v := body.(type) {
		case string:
			payload.WriteString(v)
		default:
			assert.Nil(t, json.NewEncoder(&payload).Encode(v))
		}
	}
	req, err := http.NewRequest(method, s.server.URL+path, &payload)
	assert.Nil(t, err)
	if user != "" {
		req.Header.Set(testUserHeader, user)
		req.Header.Set(testTokenHeader, "Bearer token-"+user)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.server.Client().Do(req)
	assert.Nil(t, err)
	return resp
}

// ===============================================================================

type sseFrame struct {
	event string
	data  hub.StreamEvent
}

type sseReader struct {
	resp   *http.Response
	frames chan sseFrame
}

// openStream open a delivery stream and parse its frames in the background
func (s *testServer) openStream(t *testing.T, clientID, user string) *sseReader {
	req, err := http.NewRequest(http.MethodGet, s.server.URL+"/stream?cid="+clientID, nil)
	assert.Nil(t, err)
	req.Header.Set(testUserHeader, user)
	req.Header.Set(testTokenHeader, "Bearer token-"+user)
	resp, err := s.server.Client().Do(req)
	assert.Nil(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := &sseReader{resp: resp, frames: make(chan sseFrame, 16)}
	go func() {
		defer close(reader.frames)
		scanner := bufio.NewScanner(resp.Body)
		var current sseFrame
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if current.event != "" {
					reader.frames <- current
				}
				current = sseFrame{}
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "event: "):
				current.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				_ = json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &current.data)
			}
		}
	}()
	return reader
}

// next wait for the next frame. ok is false if the stream ended.
func (r *sseReader) next(t *testing.T) (sseFrame, bool) {
	select {
	case frame, ok := <-r.frames:
		return frame, ok
	case <-time.After(time.Second * 3):
		assert.Fail(t, "timed out waiting for stream frame")
		return sseFrame{}, false
	}
}

func (r *sseReader) close() {
	_ = r.resp.Body.Close()
}
