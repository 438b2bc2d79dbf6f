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
	"fmt"
	"net/http"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/alwitt/watchhub/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// defineRestAPIHandler define the REST handler base from the HTTP config
func defineRestAPIHandler(logTags log.Fields, httpConfig *common.HTTPConfig) goutils.RestAPIHandler {
	doNotLog := map[string]bool{}
	for _, header := range httpConfig.Logging.DoNotLogHeaders {
		doNotLog[header] = true
	}
	return goutils.RestAPIHandler{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
		DoNotLogHeaders:          doNotLog,
	}
}

// mergeLogTags copy the base tags with extra tags added
func mergeLogTags(base log.Fields, extra log.Fields) log.Fields {
	result := log.Fields{}
	for k, v := range base {
		result[k] = v
	}
	for k, v := range extra {
		result[k] = v
	}
	return result
}

// describeFieldErrors list the failing fields of a request validation failure
func describeFieldErrors(err error) string {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	failures := make([]string, len(fieldErrs))
	for idx, fieldErr := range fieldErrs {
		failures[idx] = fmt.Sprintf("field '%s' failed '%s' check", fieldErr.Field(), fieldErr.Tag())
	}
	return strings.Join(failures, "; ")
}
