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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/watchhub/common"
	"github.com/alwitt/watchhub/upstream"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrValidation the resource descriptor was rejected
var ErrValidation = errors.New("invalid resource descriptor")

// ErrUnknownClient no client is registered with the ID
var ErrUnknownClient = errors.New("unknown client")

// ErrForbidden the client is not owned by the caller
var ErrForbidden = errors.New("client not owned by caller")

// Hub the watch multiplexer
type Hub interface {
	/*
		RegisterClient record a new client delivery stream

		 @param id string - client ID
		 @param userID string - owning user
		 @param stream DeliveryStream - the delivery stream
		 @param token string - upstream credential of the user
		 @return whether the client was accepted. The caller closes the stream if not.
	*/
	RegisterClient(id, userID string, stream DeliveryStream, token string) bool

	// RemoveClient remove a client and detach it from all channels. Idempotent.
	RemoveClient(id string)

	// ReleaseStream remove the client only if it is still using the stream
	ReleaseStream(id string, stream DeliveryStream)

	// IsClientOwnedBy whether the client exists and belongs to the user
	IsClientOwnedBy(id, userID string) bool

	// UpdateClientToken replace the upstream credential of a client
	UpdateClientToken(id, token string)

	// TouchClient record activity for a client
	TouchClient(id string)

	/*
		Subscribe attach a client to the channel for a resource descriptor

		 @param clientID string - client ID
		 @param descriptor common.ResourceDescriptor - what to watch
		 @return the channel key
	*/
	Subscribe(clientID string, descriptor common.ResourceDescriptor) (string, error)

	// Unsubscribe detach a client from a channel. Idempotent.
	Unsubscribe(clientID, channelKey string) error

	// Stats take a consistent snapshot of the hub state
	Stats() Stats

	// Ready whether the upstream is reachable
	Ready(ctxt context.Context) error

	// Stop remove all clients and wait for the upstream watches to close
	Stop(ctxt context.Context) error
}

// Params hub construction parameters
type Params struct {
	// Config is the hub configuration
	Config common.HubConfig `validate:"required"`
	// Source is the upstream watch source
	Source upstream.Source `validate:"required"`
	// Metrics is where the hub metrics are registered. Optional.
	Metrics prometheus.Registerer
}

// defaultMinRenewLifetime watches expiring sooner than this are treated as
// failed connections
const defaultMinRenewLifetime = time.Second

type hubImpl struct {
	common.Component
	rootCtxt      context.Context
	rootCancel    context.CancelFunc
	wg            sync.WaitGroup
	validate      *validator.Validate
	source        upstream.Source
	backoffConfig common.BackoffConfig
	catalog       []common.ResourceKindConfig
	registry      *clientRegistry
	table         *channelTable
	metrics       *hubMetrics
	reaper        common.IntervalTimer

	// minRenewLifetime is how long a watch must have streamed for its normal
	// expiry to be renewed without backing off
	minRenewLifetime time.Duration
}

/*
GetHub define a new hub

 @param parentCtxt context.Context - parent context
 @param params Params - construction parameters
 @return the hub
*/
func GetHub(parentCtxt context.Context, params Params) (Hub, error) {
	logTags := log.Fields{
		"module":    "hub",
		"component": "watch-hub",
	}
	validate := validator.New()
	if params.Source == nil {
		return nil, fmt.Errorf("hub needs an upstream source")
	}
	if err := validate.Struct(&params.Config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid hub config")
		return nil, err
	}
	metrics, err := newHubMetrics(params.Metrics)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to register hub metrics")
		return nil, err
	}

	rootCtxt, rootCancel := context.WithCancel(parentCtxt)
	instance := &hubImpl{
		Component:        common.Component{LogTags: logTags},
		rootCtxt:         rootCtxt,
		rootCancel:       rootCancel,
		validate:         validate,
		source:           params.Source,
		backoffConfig:    params.Config.Backoff,
		minRenewLifetime: defaultMinRenewLifetime,
		catalog:          params.Config.Resources,
		registry: newClientRegistry(
			params.Config.Limits.MaxClients, params.Config.Limits.MaxClientsPerUser,
		),
		table:   newChannelTable(),
		metrics: metrics,
	}

	if params.Config.IdleReaper.IdleTimeout > 0 {
		idleTimeout := time.Second * time.Duration(params.Config.IdleReaper.IdleTimeout)
		reaper, err := common.GetIntervalTimerInstance(rootCtxt, "idle-reaper", &instance.wg)
		if err != nil {
			rootCancel()
			return nil, err
		}
		if err := reaper.Start(
			time.Second*time.Duration(params.Config.IdleReaper.CheckInterval),
			func() error {
				instance.reapIdleClients(time.Now().Add(-idleTimeout))
				return nil
			},
			false,
		); err != nil {
			rootCancel()
			return nil, err
		}
		instance.reaper = reaper
	}

	log.WithFields(logTags).Info("Hub started")
	return instance, nil
}

// Ready whether the upstream is reachable
func (h *hubImpl) Ready(ctxt context.Context) error {
	if h.rootCtxt.Err() != nil {
		return fmt.Errorf("hub stopped")
	}
	return h.source.Ready(ctxt)
}

// Stop remove all clients and wait for the upstream watches to close
func (h *hubImpl) Stop(ctxt context.Context) error {
	if h.reaper != nil {
		_ = h.reaper.Stop()
	}
	clients := h.registry.close()
	for _, c := range clients {
		h.removeClientInstance(c)
	}
	h.rootCancel()

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		log.WithFields(h.LogTags).Infof("Hub stopped, released %d clients", len(clients))
		return nil
	case <-ctxt.Done():
		err := ctxt.Err()
		log.WithError(err).WithFields(h.LogTags).Error("Hub stop timed out")
		return err
	}
}
