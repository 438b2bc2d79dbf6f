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
	"errors"
	"net/http"
	"strings"
)

// ErrNoSession the request does not carry an authenticated session
var ErrNoSession = errors.New("no authenticated session")

// Session the authenticated caller of a request
type Session struct {
	// UserID is the authenticated subject
	UserID string
	// Token is the upstream API bearer token of the subject
	Token string
}

// SessionResolver reads the authenticated session of a request
type SessionResolver interface {
	// ResolveSession return the session, or ErrNoSession
	ResolveSession(r *http.Request) (Session, error)
}

// HeaderSessionResolver reads the session from headers set by an
// authenticating reverse proxy
type HeaderSessionResolver struct {
	// UserIDHeader header carrying the user ID
	UserIDHeader string
	// TokenHeader header carrying the bearer token
	TokenHeader string
}

// ResolveSession return the session, or ErrNoSession
func (s HeaderSessionResolver) ResolveSession(r *http.Request) (Session, error) {
	userID := strings.TrimSpace(r.Header.Get(s.UserIDHeader))
	token := strings.TrimSpace(r.Header.Get(s.TokenHeader))
	if len(token) >= 6 && strings.EqualFold(token[:6], "bearer") &&
		(len(token) == 6 || token[6] == ' ' || token[6] == '\t') {
		token = strings.TrimSpace(token[6:])
	}
	if userID == "" || token == "" {
		return Session{}, ErrNoSession
	}
	return Session{UserID: userID, Token: token}, nil
}
