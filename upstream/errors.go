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
	"errors"
	"fmt"
	"net/http"
)

// ErrResourceVersionExpired the upstream no longer holds history for the
// requested resource version; the watch must restart without one.
var ErrResourceVersionExpired = errors.New("resource version expired")

// ErrWatchExpired the upstream ended an established watch normally, e.g. when
// its server side timeout elapsed. The watch resumes from the last version.
var ErrWatchExpired = errors.New("watch expired")

// TransientError upstream failure which is recovered by reconnecting
type TransientError struct {
	// StatusCode HTTP status code reported by upstream, 0 if not known
	StatusCode int
	// Reason short description of the failure
	Reason string
	// Err the underlying error
	Err error
}

func (e *TransientError) Error() string {
	return describeUpstreamError("transient", e.StatusCode, e.Reason, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// FatalError upstream failure which reconnecting will not fix
type FatalError struct {
	// StatusCode HTTP status code reported by upstream, 0 if not known
	StatusCode int
	// Reason short description of the failure
	Reason string
	// Err the underlying error
	Err error
}

func (e *FatalError) Error() string {
	return describeUpstreamError("fatal", e.StatusCode, e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func describeUpstreamError(class string, code int, reason string, err error) string {
	msg := fmt.Sprintf("%s upstream error", class)
	if code != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, code)
	}
	if reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, reason)
	}
	if err != nil {
		msg = fmt.Sprintf("%s: %s", msg, err.Error())
	}
	return msg
}

// IsFatal whether the error should close the channel instead of retrying
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// ClassifyStatus convert a non-success upstream HTTP status into a typed error.
//
// 410 Gone wraps ErrResourceVersionExpired. 408, 429 and 5xx are transient.
// Every other 4xx means the request itself is wrong and is fatal.
func ClassifyStatus(code int, reason string) error {
	switch {
	case code == http.StatusGone:
		return &TransientError{StatusCode: code, Reason: reason, Err: ErrResourceVersionExpired}
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return &TransientError{StatusCode: code, Reason: reason}
	case code >= 500:
		return &TransientError{StatusCode: code, Reason: reason}
	case code >= 400:
		return &FatalError{StatusCode: code, Reason: reason}
	}
	return &TransientError{StatusCode: code, Reason: fmt.Sprintf("unexpected status: %s", reason)}
}
