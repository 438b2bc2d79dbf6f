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
	"net/http"
	"time"

	"github.com/alwitt/watchhub/apis"
	"github.com/alwitt/watchhub/common"
	"github.com/alwitt/watchhub/hub"
	"github.com/alwitt/watchhub/upstream"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

/*
RunHubServer run the watch hub server until the runtime context is cancelled

	@param runTimeContext context.Context - runtime context
	@param config *common.SystemConfig - system config
	@param instance string - instance name
	@param source upstream.Source - upstream watch API
*/
func RunHubServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	source upstream.Source,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "hub",
		"instance":  instance,
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	watchHub, err := hub.GetHub(localCtxt, hub.Params{
		Config: config.Hub, Source: source, Metrics: registry,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define hub")
		return err
	}
	defer func() {
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := watchHub.Stop(ctxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during hub shutdown")
		}
	}()

	httpHandler, err := apis.GetAPIRestHubHandler(
		localCtxt,
		watchHub,
		apis.HeaderSessionResolver{
			UserIDHeader: config.API.Session.UserIDHeader,
			TokenHeader:  config.API.Session.TokenHeader,
		},
		config.Hub.Delivery,
		&config.API,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := apis.BuildHubRouter(
		httpHandler, &config.API, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	)

	serverCfg := config.API.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	// No write timeout, delivery streams are long lived. Each stream write
	// carries its own deadline.
	httpSrv := &http.Server{
		Addr:        serverListen,
		ReadTimeout: time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout: time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:     h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	serverErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serverErr <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	var runErr error
	select {
	case <-runTimeContext.Done():
	case runErr = <-serverErr:
	}

	// Stop the HTTP server
	{
		lclCancel()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return runErr
}
