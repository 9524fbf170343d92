// Copyright 2024 The kubegems.io Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package msgbus

import (
	"fmt"
	"net/http"
	"strings"

	"kubegems.io/jobflow/pkg/utils/jwt"
)

const (
	RoleScheduler = "scheduler"
	RoleComp      = "comp"
)

type Principal struct {
	Name  string
	Roles []string
}

func (p *Principal) String() string {
	if p == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s%v", p.Name, p.Roles)
}

func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Authorizer interface {
	IsAuthorized(principal *Principal, topic string) bool
}

type AllowAll struct{}

func (AllowAll) IsAuthorized(*Principal, string) bool { return true }

// RoleAuthorizer allows a topic to principals holding one of its roles.
// Topics without an entry are open to any authenticated principal.
type RoleAuthorizer struct {
	TopicRoles map[string][]string
}

func (a RoleAuthorizer) IsAuthorized(principal *Principal, topic string) bool {
	if principal == nil {
		return false
	}
	roles, ok := a.TopicRoles[topic]
	if !ok {
		return true
	}
	for _, role := range roles {
		if principal.HasRole(role) {
			return true
		}
	}
	return false
}

// Authenticator resolves the principal of a connecting client.
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
}

type Anonymous struct{}

func (Anonymous) Authenticate(*http.Request) (*Principal, error) {
	return &Principal{Name: "anonymous", Roles: []string{RoleScheduler, RoleComp}}, nil
}

// TokenAuthenticator accepts an RS256 bearer token from the Authorization
// header or the token query parameter.
type TokenAuthenticator struct {
	JWT *jwt.JWT
}

func (a TokenAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		bearer, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			return nil, fmt.Errorf("%w: unsupported authorization scheme", ErrUnauthorized)
		}
		token = bearer
	}
	if token == "" {
		return nil, fmt.Errorf("%w: no token", ErrUnauthorized)
	}
	claims, err := a.JWT.ParseToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return &Principal{Name: claims.Subject, Roles: claims.Roles}, nil
}
