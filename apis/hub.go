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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/watchhub/common"
	"github.com/alwitt/watchhub/hub"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// APIRestHubHandler REST handler for the watch hub
type APIRestHubHandler struct {
	goutils.RestAPIHandler
	core         hub.Hub
	session      SessionResolver
	delivery     common.DeliveryConfig
	statsEnabled bool
	validate     *validator.Validate
	baseContext  context.Context
}

/*
GetAPIRestHubHandler define APIRestHubHandler

	@param baseContext context.Context - base context. Open streams end when it is cancelled.
	@param core hub.Hub - the hub
	@param session SessionResolver - reads the caller session of a request
	@param delivery common.DeliveryConfig - stream delivery parameters
	@param apiConfig *common.APIServerConfig - API server config
	@return handler
*/
func GetAPIRestHubHandler(
	baseContext context.Context,
	core hub.Hub,
	session SessionResolver,
	delivery common.DeliveryConfig,
	apiConfig *common.APIServerConfig,
) (APIRestHubHandler, error) {
	if core == nil || session == nil {
		return APIRestHubHandler{}, fmt.Errorf("hub handler requires a hub and a session resolver")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "watch-hub",
	}
	return APIRestHubHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, &apiConfig.HTTPSetting),
		core:           core,
		session:        session,
		delivery:       delivery,
		statsEnabled:   apiConfig.Environment != common.EnvironmentProduction,
		validate:       validator.New(),
		baseContext:    baseContext,
	}, nil
}

// resolveSession read the caller session, or prepare the 401 response
func (h APIRestHubHandler) resolveSession(
	r *http.Request, respCode *int, respBody *interface{},
) (Session, bool) {
	session, err := h.session.ResolveSession(r)
	if err != nil {
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Info("Request has no session")
		msg := "Unauthorized"
		*respCode = http.StatusUnauthorized
		*respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		return Session{}, false
	}
	return session, true
}

// readJSONBody parse and validate a JSON request body
func (h APIRestHubHandler) readJSONBody(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := h.validate.Struct(target); err != nil {
		return fmt.Errorf("invalid request: %s", describeFieldErrors(err))
	}
	return nil
}

// -----------------------------------------------------------------------

// Stream godoc
// @Summary Open a client delivery stream
// @Description Register a client and open its long lived server sent event stream. Events
// of every channel the client subscribes to are delivered here. The stream closes on client
// disconnect, server shutdown, or when the client can not keep up.
// @tags Hub
// @Produce text/event-stream
// @Param cid query string true "Client ID"
// @Success 200 {object} hub.StreamEvent "stream of events"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Router /stream [get]
func (h APIRestHubHandler) Stream(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}

	session, ok := h.resolveSession(r, &respCode, &respBody)
	if !ok {
		h.writeResponse(w, r, respCode, respBody)
		return
	}
	clientID := r.URL.Query().Get("cid")
	if clientID == "" {
		msg := "Missing client ID"
		log.WithFields(logTags).Error(msg)
		h.writeResponse(
			w, r, http.StatusBadRequest,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, "query parameter 'cid' is required"),
		)
		return
	}
	logTags = mergeLogTags(logTags, log.Fields{"client": clientID, "user": session.UserID})

	writer := newSSEWriter(w, time.Second*time.Duration(h.delivery.WriteTimeout))
	stream := hub.NewQueueStream(h.delivery.QueueDepth)
	if !h.core.RegisterClient(clientID, session.UserID, stream, session.Token) {
		stream.Close()
		log.WithFields(logTags).Warn("Rejecting stream, connection cap reached")
		if err := writer.begin(); err != nil {
			return
		}
		if err := writer.event(hub.StreamEvent{
			Type: hub.StreamEventCapacityError, Error: "too many connections", ClientID: clientID,
		}); err != nil {
			log.WithError(err).WithFields(logTags).Debug("Failed to send capacity error")
		}
		return
	}
	defer h.core.ReleaseStream(clientID, stream)

	if err := writer.begin(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to open stream")
		return
	}
	if err := writer.event(hub.StreamEvent{Type: hub.StreamEventConnected, ClientID: clientID}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to send connected event")
		return
	}
	log.WithFields(logTags).Info("Opened client stream")

	keepAlive := time.NewTicker(time.Second * time.Duration(h.delivery.KeepAliveInterval))
	defer keepAlive.Stop()
	for {
		select {
		case <-h.baseContext.Done():
			log.WithFields(logTags).Info("Closing client stream on server stop")
			return
		case <-r.Context().Done():
			log.WithFields(logTags).Info("Client stream closed by client")
			return
		case <-stream.Done():
			log.WithFields(logTags).Info("Client stream closed by hub")
			return
		case event := <-stream.Events():
			if err := writer.event(event); err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Failed to send %s", event)
				return
			}
		case <-keepAlive.C:
			if err := writer.keepAlive(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to send keep-alive")
				return
			}
			h.core.TouchClient(clientID)
		}
	}
}

// StreamHandler Wrapper around Stream
func (h APIRestHubHandler) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Stream(w, r)
	}
}

// -----------------------------------------------------------------------

// SubscribeRequest subscribe a client to a resource watch
type SubscribeRequest struct {
	// ClientID is the client receiving the events
	ClientID string `json:"clientId" validate:"required"`
	common.ResourceDescriptor `validate:"-"`
}

// SubscribeResponse subscribe response
type SubscribeResponse struct {
	goutils.RestAPIBaseResponse
	// Channel is the key of the channel the client is attached to
	Channel string `json:"channel"`
}

// Subscribe godoc
// @Summary Subscribe a client to a resource watch
// @Description Attach a client to the shared channel watching a resource collection
// @tags Hub
// @Accept json
// @Produce json
// @Param request body SubscribeRequest true "Client and resource descriptor"
// @Success 200 {object} SubscribeResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Router /subscribe [post]
func (h APIRestHubHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.writeResponse(w, r, respCode, respBody)
	}()

	session, ok := h.resolveSession(r, &respCode, &respBody)
	if !ok {
		return
	}
	var request SubscribeRequest
	if err := h.readJSONBody(r, &request); err != nil {
		msg := "Invalid subscribe request"
		log.WithError(err).WithFields(logTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if !h.core.IsClientOwnedBy(request.ClientID, session.UserID) {
		h.forbidden(r, request.ClientID, &respCode, &respBody)
		return
	}
	h.core.UpdateClientToken(request.ClientID, session.Token)
	h.core.TouchClient(request.ClientID)

	channelKey, err := h.core.Subscribe(request.ClientID, request.ResourceDescriptor)
	if err != nil {
		if errors.Is(err, hub.ErrUnknownClient) {
			h.forbidden(r, request.ClientID, &respCode, &respBody)
			return
		}
		msg := "Subscribe rejected"
		log.WithError(err).WithFields(logTags).Error(msg)
		respCode = http.StatusBadRequest
		if !errors.Is(err, hub.ErrValidation) {
			respCode = http.StatusInternalServerError
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = SubscribeResponse{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Channel:             channelKey,
	}
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestHubHandler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	}
}

// -----------------------------------------------------------------------

// UnsubscribeRequest detach a client from a channel
type UnsubscribeRequest struct {
	// ClientID is the client to detach
	ClientID string `json:"clientId" validate:"required"`
	// Channel is the channel key returned on subscribe
	Channel string `json:"channel" validate:"required"`
}

// UnsubscribeResponse unsubscribe response
type UnsubscribeResponse struct {
	goutils.RestAPIBaseResponse
	// OK is set once the client is no longer on the channel
	OK bool `json:"ok"`
}

// Unsubscribe godoc
// @Summary Unsubscribe a client from a channel
// @Description Detach a client from a channel. Unsubscribing a detached client is a no-op.
// @tags Hub
// @Accept json
// @Produce json
// @Param request body UnsubscribeRequest true "Client and channel"
// @Success 200 {object} UnsubscribeResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Router /unsubscribe [post]
func (h APIRestHubHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.writeResponse(w, r, respCode, respBody)
	}()

	session, ok := h.resolveSession(r, &respCode, &respBody)
	if !ok {
		return
	}
	var request UnsubscribeRequest
	if err := h.readJSONBody(r, &request); err != nil {
		msg := "Invalid unsubscribe request"
		log.WithError(err).WithFields(logTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if !h.core.IsClientOwnedBy(request.ClientID, session.UserID) {
		h.forbidden(r, request.ClientID, &respCode, &respBody)
		return
	}
	h.core.UpdateClientToken(request.ClientID, session.Token)

	if err := h.core.Unsubscribe(request.ClientID, request.Channel); err != nil {
		msg := "Unsubscribe failed"
		log.WithError(err).WithFields(logTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = UnsubscribeResponse{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		OK:                  true,
	}
}

// UnsubscribeHandler Wrapper around Unsubscribe
func (h APIRestHubHandler) UnsubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Unsubscribe(w, r)
	}
}

// -----------------------------------------------------------------------

// StatsResponse hub introspection response
type StatsResponse struct {
	goutils.RestAPIBaseResponse
	hub.Stats
}

// Stats godoc
// @Summary Hub state snapshot
// @Description Client and channel counts for debugging. Not served in production.
// @tags Hub
// @Produce json
// @Success 200 {object} StatsResponse "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /stats [get]
func (h APIRestHubHandler) Stats(w http.ResponseWriter, r *http.Request) {
	var respCode int
	var respBody interface{}
	defer func() {
		h.writeResponse(w, r, respCode, respBody)
	}()

	if !h.statsEnabled {
		msg := "Not found"
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, "stats are disabled")
		return
	}
	if _, ok := h.resolveSession(r, &respCode, &respBody); !ok {
		return
	}

	respCode = http.StatusOK
	respBody = StatsResponse{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Stats:               h.core.Stats(),
	}
}

// StatsHandler Wrapper around Stats
func (h APIRestHubHandler) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Stats(w, r)
	}
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For hub REST API liveness check
// @Description Will return success to indicate hub REST API module is live
// @tags Hub
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestHubHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.writeResponse(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// AliveHandler Wrapper around Alive
func (h APIRestHubHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For hub REST API readiness check
// @Description Will return success if the upstream watch API is reachable
// @tags Hub
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestHubHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.core.Ready(r.Context()); err != nil {
		msg := "not ready"
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error("Upstream not ready")
		h.writeResponse(
			w, r, http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error()),
		)
		return
	}
	h.writeResponse(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// ReadyHandler Wrapper around Ready
func (h APIRestHubHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// -----------------------------------------------------------------------

func (h APIRestHubHandler) forbidden(
	r *http.Request, clientID string, respCode *int, respBody *interface{},
) {
	msg := "Forbidden"
	log.WithFields(h.GetLogTagsForContext(r.Context())).Errorf("Client %s not owned by caller", clientID)
	*respCode = http.StatusForbidden
	*respBody = h.GetStdRESTErrorMsg(
		r.Context(), http.StatusForbidden, msg, fmt.Sprintf("%s: %s", hub.ErrForbidden.Error(), clientID),
	)
}

func (h APIRestHubHandler) writeResponse(
	w http.ResponseWriter, r *http.Request, respCode int, respBody interface{},
) {
	if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error("Failed to form response")
	}
}
