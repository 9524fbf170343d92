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


package log

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func DefaultGinLoggerMideare() gin.HandlerFunc {
	return NewGinLoggerMideare(GlobalLogger.Named("api"))
}

// NewGinLoggerMideare logs one line per request. Topic subscriptions are
// logged when the websocket closes, their latency is the subscription lifetime.
// Successful requests go to debug so worker polling stays quiet at info.
func NewGinLoggerMideare(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		code := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("code", code),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
		}
		if topic := c.Param("topic"); topic != "" {
			fields = append(fields, zap.String("topic", topic))
		}

		switch {
		case len(c.Errors) != 0:
			logger.Error(c.Errors.String(), fields...)
		case code >= http.StatusInternalServerError:
			logger.Error(http.StatusText(code), fields...)
		case code >= http.StatusBadRequest:
			logger.Warn(http.StatusText(code), fields...)
		default:
			logger.Debug(http.StatusText(code), fields...)
		}
	}
}
