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

package system

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
)

const shutdownTimeout = 5 * time.Second

// ListenAndServeContext serves handler until ctx is done, then shuts the server
// down gracefully. A clean shutdown returns nil.
func ListenAndServeContext(ctx context.Context, listen string, handler http.Handler) error {
	log := logr.FromContextOrDiscard(ctx)
	s := &http.Server{
		Handler:           handler,
		Addr:              listen,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		log.Info("shutting down server", "addr", listen)
		shutdownctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Shutdown(shutdownctx); err != nil {
			s.Close()
		}
	}()
	log.Info("starting http server", "addr", listen)
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
