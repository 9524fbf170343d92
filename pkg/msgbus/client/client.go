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

// Package client connects a participant to a topic of the broker and keeps
// the connection alive.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
	"kubegems.io/jobflow/pkg/log"
	"kubegems.io/jobflow/pkg/utils"
	"kubegems.io/jobflow/pkg/utils/retry"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrRetryExhausted   = errors.New("reconnect attempts exhausted")
	defaultWriteTimeout = 5 * time.Second
)

type Options struct {
	Server string `json:"server,omitempty" description:"scheduler address, e.g. ws://jobflow-scheduler:8080"`
	Token  string `json:"token,omitempty" description:"bearer token for the topic connection"`
	Topic  string `json:"topic,omitempty" description:"topic to subscribe"`
}

func DefaultOptions() *Options {
	return &Options{
		Server: "ws://jobflow-scheduler:8080",
		Topic:  "jobs",
	}
}

func (o *Options) RegistFlags(prefix string, fs *pflag.FlagSet) {
	fs.StringVar(&o.Server, utils.JoinFlagName(prefix, "server"), o.Server, "scheduler address")
	fs.StringVar(&o.Token, utils.JoinFlagName(prefix, "token"), o.Token, "bearer token for the topic connection")
	fs.StringVar(&o.Topic, utils.JoinFlagName(prefix, "topic"), o.Topic, "topic to subscribe")
}

type Client struct {
	Options *Options
	// OnMessage is called for every received message, from the read loop.
	OnMessage func(ctx context.Context, data []byte)
	// OnConnect is called after every successful (re)connect.
	OnConnect func(ctx context.Context)

	Dialer  *websocket.Dialer
	Backoff *retry.ReconnectBackoff

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewClient(options *Options, onMessage func(ctx context.Context, data []byte)) *Client {
	return &Client{
		Options:   options,
		OnMessage: onMessage,
		Dialer:    websocket.DefaultDialer,
		Backoff:   retry.NewReconnectBackoff(),
	}
}

func (c *Client) topicURL() (string, error) {
	u, err := url.Parse(c.Options.Server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = fmt.Sprintf("/topics/%s", url.PathEscape(c.Options.Topic))
	return u.String(), nil
}

// Run keeps the subscription alive until ctx is done. It returns
// ErrRetryExhausted when the server stayed unreachable for all attempts.
func (c *Client) Run(ctx context.Context) error {
	logger := log.FromContextOrDiscard(ctx).WithName("msgbus-client").WithValues("topic", c.Options.Topic)
	target, err := c.topicURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.Options.Token != "" {
		header.Set("Authorization", "Bearer "+c.Options.Token)
	}
	for {
		conn, resp, err := c.Dialer.DialContext(ctx, target, header)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return fmt.Errorf("connect %s: %s", target, resp.Status)
			}
			wait, ok := c.Backoff.Next()
			if !ok {
				logger.Error(err, "giving up", "attempts", c.Backoff.Attempts())
				return fmt.Errorf("%w: %v", ErrRetryExhausted, err)
			}
			logger.Info("connect failed, retrying", "error", err.Error(), "attempt", c.Backoff.Attempts(), "wait", wait.String())
			if retry.Wait(ctx, wait) != nil {
				return nil
			}
			continue
		}
		c.Backoff.Reset()
		logger.Info("connected", "server", target)
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		logger.Info("connection lost")
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	done := make(chan struct{})
	defer func() {
		close(done)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if c.OnConnect != nil {
		c.OnConnect(ctx)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if c.OnMessage != nil {
			c.OnMessage(ctx, data)
		}
	}
}

// Send writes one message on the current connection. Messages are not
// buffered while disconnected.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
