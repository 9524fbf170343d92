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
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"kubegems.io/jobflow/pkg/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// WebsocketConn serializes writes; gorilla connections allow a single writer.
type WebsocketConn struct {
	id     string
	conn   *websocket.Conn
	wslock sync.Mutex
}

func NewWebsocketConn(conn *websocket.Conn) *WebsocketConn {
	return &WebsocketConn{id: uuid.NewString(), conn: conn}
}

func (c *WebsocketConn) ID() string { return c.id }

func (c *WebsocketConn) Write(data []byte, deadline time.Time) error {
	c.wslock.Lock()
	defer c.wslock.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WebsocketConn) Close() error {
	return c.conn.Close()
}

type Handler struct {
	Broker        *Broker
	Authenticator Authenticator
}

func (h *Handler) RegistRouter(rg *gin.RouterGroup) {
	rg.GET("/topics/:topic", h.Topic)
}

// Topic upgrades the request to a websocket subscribed to the topic and feeds
// the messages the client sends to the topic handler until it disconnects.
func (h *Handler) Topic(c *gin.Context) {
	topicName := c.Param("topic")
	principal, err := h.Authenticator.Authenticate(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": err.Error()})
		return
	}
	if !h.Broker.authorizer.IsAuthorized(principal, topicName) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": ErrUnauthorized.Error()})
		return
	}
	wsconn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader already replied
		return
	}
	ctx := c.Request.Context()
	conn := NewWebsocketConn(wsconn)
	if err := h.Broker.Subscribe(ctx, principal, topicName, conn); err != nil {
		return
	}
	done := make(chan struct{})
	defer func() {
		close(done)
		h.Broker.Unsubscribe(ctx, topicName, conn)
		conn.Close()
	}()
	// hijacked connections are not closed by server shutdown
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	logger := log.FromContextOrDiscard(ctx).WithName("broker").WithValues("topic", topicName, "conn", conn.ID())
	for {
		_, data, err := wsconn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				logger.V(1).Info("connection closed", "reason", err.Error())
			}
			return
		}
		h.Broker.Receive(ctx, principal, topicName, data)
	}
}
