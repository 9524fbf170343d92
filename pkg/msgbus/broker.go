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

// Package msgbus is a topic based publish/subscribe broker. Messages are
// pushed to the current subscribers of a topic and never stored; a client
// that reconnects subscribes again and only sees what is published after.
package msgbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"kubegems.io/jobflow/pkg/log"
)

var ErrUnauthorized = errors.New("unauthorized")

const DefaultWriteTimeout = 5 * time.Second

// Conn is one subscriber connection.
type Conn interface {
	ID() string
	Write(data []byte, deadline time.Time) error
	Close() error
}

// MessageHandler receives the messages subscribers send on a topic.
type MessageHandler func(ctx context.Context, principal *Principal, data []byte)

type topic struct {
	name string
	// mu serializes publishing and guards subs
	mu   sync.Mutex
	subs map[string]Conn
}

type Broker struct {
	WriteTimeout time.Duration

	authorizer Authorizer

	mu       sync.RWMutex
	topics   map[string]*topic
	handlers map[string]MessageHandler
}

func NewBroker(authorizer Authorizer) *Broker {
	if authorizer == nil {
		authorizer = AllowAll{}
	}
	return &Broker{
		WriteTimeout: DefaultWriteTimeout,
		authorizer:   authorizer,
		topics:       map[string]*topic{},
		handlers:     map[string]MessageHandler{},
	}
}

// Handle registers the handler for inbound messages of a topic.
func (b *Broker) Handle(topicName string, handler MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topicName] = handler
}

// Subscribe adds conn to the topic, creating the topic when needed. An
// unauthorized principal gets ErrUnauthorized and the connection is closed.
func (b *Broker) Subscribe(ctx context.Context, principal *Principal, topicName string, conn Conn) error {
	logger := log.FromContextOrDiscard(ctx).WithName("broker").WithValues("topic", topicName, "conn", conn.ID())
	if !b.authorizer.IsAuthorized(principal, topicName) {
		logger.Info("subscription rejected", "principal", principal.String())
		conn.Close()
		return ErrUnauthorized
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topicName]
	if !ok {
		t = &topic{name: topicName, subs: map[string]Conn{}}
		b.topics[topicName] = t
		logger.V(1).Info("topic created")
	}
	t.mu.Lock()
	t.subs[conn.ID()] = conn
	t.mu.Unlock()
	logger.Info("subscribed", "principal", principal.String())
	return nil
}

// Unsubscribe removes conn and deletes the topic once it is empty.
func (b *Broker) Unsubscribe(ctx context.Context, topicName string, conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topicName]
	if !ok {
		return
	}
	t.mu.Lock()
	delete(t.subs, conn.ID())
	empty := len(t.subs) == 0
	t.mu.Unlock()
	if empty {
		delete(b.topics, topicName)
	}
	log.FromContextOrDiscard(ctx).WithName("broker").V(1).Info("unsubscribed", "topic", topicName, "conn", conn.ID(), "topicRemoved", empty)
}

// Publish writes msg to every subscriber of the topic. A subscriber that
// fails to take the message is closed and dropped; the others still get it.
func (b *Broker) Publish(ctx context.Context, topicName string, msg []byte) {
	b.mu.RLock()
	t, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return
	}
	logger := log.FromContextOrDiscard(ctx).WithName("broker").WithValues("topic", topicName)

	failed := []Conn{}
	t.mu.Lock()
	for id, conn := range t.subs {
		if err := conn.Write(msg, time.Now().Add(b.WriteTimeout)); err != nil {
			logger.Error(err, "write to subscriber failed, dropping it", "conn", id)
			failed = append(failed, conn)
		}
	}
	t.mu.Unlock()

	for _, conn := range failed {
		conn.Close()
		b.Unsubscribe(ctx, topicName, conn)
	}
}

// Receive hands a message sent by a subscriber to the topic handler.
func (b *Broker) Receive(ctx context.Context, principal *Principal, topicName string, data []byte) {
	b.mu.RLock()
	handler, ok := b.handlers[topicName]
	b.mu.RUnlock()
	if !ok {
		log.FromContextOrDiscard(ctx).WithName("broker").V(1).Info("no handler for inbound message", "topic", topicName)
		return
	}
	handler(ctx, principal, data)
}

// Topics returns the subscriber count of every topic.
func (b *Broker) Topics() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ret := make(map[string]int, len(b.topics))
	for name, t := range b.topics {
		t.mu.Lock()
		ret[name] = len(t.subs)
		t.mu.Unlock()
	}
	return ret
}
