// Copyright 2022 The kubegems.io Authors
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

package jwt

import (
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/spf13/pflag"
	"kubegems.io/jobflow/pkg/utils"
)

type JWT struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// Claims carries the principal of a pub/sub connection.
type Claims struct {
	*jwt.StandardClaims
	Roles []string `json:"roles,omitempty"`
}

func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Options struct {
	Enabled bool          `json:"enabled,omitempty" description:"require a bearer token on topic connections"`
	Expire  time.Duration `json:"expire,omitempty" description:"jwt expire time"`
	Cert    string        `json:"cert,omitempty" description:"jwt public key file"`
	Key     string        `json:"key,omitempty" description:"jwt private key file"`
}

func DefaultOptions() *Options {
	return &Options{
		Enabled: false,
		Expire:  time.Duration(time.Hour * 24),
		Cert:    "certs/jwt/tls.crt",
		Key:     "certs/jwt/tls.key",
	}
}

func (o *Options) RegistFlags(prefix string, fs *pflag.FlagSet) {
	fs.BoolVar(&o.Enabled, utils.JoinFlagName(prefix, "enabled"), o.Enabled, "require a bearer token on topic connections")
	fs.DurationVar(&o.Expire, utils.JoinFlagName(prefix, "expire"), o.Expire, "jwt expire time")
	fs.StringVar(&o.Cert, utils.JoinFlagName(prefix, "cert"), o.Cert, "jwt public key file")
	fs.StringVar(&o.Key, utils.JoinFlagName(prefix, "key"), o.Key, "jwt private key file")
}

// ToJWT loads the key pair. A missing private key is allowed when only
// verification is needed.
func (opts *Options) ToJWT() (*JWT, error) {
	public, err := os.ReadFile(opts.Cert)
	if err != nil {
		return nil, err
	}
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(public)
	if err != nil {
		return nil, fmt.Errorf("parse jwt cert: %w", err)
	}
	ret := &JWT{publicKey: publicKey}
	private, err := os.ReadFile(opts.Key)
	if os.IsNotExist(err) {
		return ret, nil
	}
	if err != nil {
		return nil, err
	}
	if ret.privateKey, err = jwt.ParseRSAPrivateKeyFromPEM(private); err != nil {
		return nil, fmt.Errorf("parse jwt key: %w", err)
	}
	return ret, nil
}

func NewJWT(privateKey *rsa.PrivateKey, publicKey *rsa.PublicKey) *JWT {
	return &JWT{privateKey: privateKey, publicKey: publicKey}
}

// GenerateToken Generate new jwt token
func (t *JWT) GenerateToken(sub string, roles []string, expire time.Duration) (token string, expriets int64, err error) {
	if t.privateKey == nil {
		return "", 0, fmt.Errorf("no private key loaded")
	}
	tk := jwt.New(jwt.GetSigningMethod("RS256"))
	now := time.Now()
	expriets = now.Add(expire).Unix()
	tk.Claims = wrapClaims(roles, sub, now, expriets)
	token, err = tk.SignedString(t.privateKey)
	return token, expriets, err
}

// ParseToken Parse jwt token, return the claims
func (t *JWT) ParseToken(token string) (*Claims, error) {
	claims := Claims{}
	_, err := jwt.ParseWithClaims(token, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.publicKey, nil
	})
	if err != nil {
		return nil, err
	}
	if err := claims.Valid(); err != nil {
		return nil, err
	}
	return &claims, err
}

func wrapClaims(roles []string, sub string, now time.Time, expirets int64) *Claims {
	return &Claims{
		Roles: roles,
		StandardClaims: &jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: expirets,
			Subject:   sub,
		},
	}
}
