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
	"net/http"

	"github.com/alwitt/watchhub/common"
	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
)

/*
BuildHubRouter define the HTTP routes of the hub

	@param handler APIRestHubHandler - hub REST handler
	@param apiConfig *common.APIServerConfig - API server config
	@param metrics http.Handler - Prometheus metrics handler. Not served if nil.
	@return the root HTTP handler
*/
func BuildHubRouter(
	handler APIRestHubHandler, apiConfig *common.APIServerConfig, metrics http.Handler,
) http.Handler {
	// Request logging wraps the short lived calls only. The stream writer flushes
	// through the raw response writer.
	logged := func(next http.HandlerFunc) http.HandlerFunc {
		return handler.LoggingMiddleware(next)
	}

	router := mux.NewRouter()
	if metrics != nil && apiConfig.MetricsPath != "" {
		router.Handle(apiConfig.MetricsPath, metrics).Methods(http.MethodGet)
	}
	mainRouter := RegisterPathPrefix(router, apiConfig.PathPrefix, nil)

	// Delivery stream
	_ = RegisterPathPrefix(mainRouter, "/stream", MethodHandlers{
		"get": handler.StreamHandler(),
	})

	// Subscription
	_ = RegisterPathPrefix(mainRouter, "/subscribe", MethodHandlers{
		"post": logged(handler.SubscribeHandler()),
	})
	_ = RegisterPathPrefix(mainRouter, "/unsubscribe", MethodHandlers{
		"post": logged(handler.UnsubscribeHandler()),
	})

	// Introspection
	_ = RegisterPathPrefix(mainRouter, "/stats", MethodHandlers{
		"get": logged(handler.StatsHandler()),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": logged(handler.AliveHandler()),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": logged(handler.ReadyHandler()),
	})

	if len(apiConfig.CORS.AllowedOrigins) == 0 {
		return router
	}
	allowedHeaders := []string{
		"Accept",
		"Content-Type",
		apiConfig.HTTPSetting.Logging.RequestIDHeader,
		apiConfig.Session.UserIDHeader,
		apiConfig.Session.TokenHeader,
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   apiConfig.CORS.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   allowedHeaders,
		ExposedHeaders:   []string{apiConfig.HTTPSetting.Logging.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           apiConfig.CORS.MaxAge,
	})(router)
}
