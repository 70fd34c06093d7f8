// Copyright 2024 The gVisor Authors.
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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited forwards to a Logger while its token bucket allows and counts
// what it drops. The next message that gets through reports the count.
type RateLimited struct {
	logger  Logger
	limit   *rate.Limiter
	dropped atomic.Int64
}

// RateLimitedLogger returns a logger that forwards to logger no more than
// once per every.
func RateLimitedLogger(logger Logger, every time.Duration) *RateLimited {
	return &RateLimited{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

// Dropped returns the number of messages dropped since the last one that
// was forwarded.
func (rl *RateLimited) Dropped() int64 {
	return rl.dropped.Load()
}

// allow consumes a token. Messages below the logger's level are neither
// forwarded nor counted, and do not consume tokens.
func (rl *RateLimited) allow(level Level, format string, v []any) (string, []any, bool) {
	if !rl.logger.IsLogging(level) {
		return "", nil, false
	}
	if !rl.limit.Allow() {
		rl.dropped.Add(1)
		return "", nil, false
	}
	if n := rl.dropped.Swap(0); n > 0 {
		return format + " (%d similar messages dropped)", append(v, n), true
	}
	return format, v, true
}

// Debugf implements Logger.Debugf.
func (rl *RateLimited) Debugf(format string, v ...any) {
	if format, v, ok := rl.allow(Debug, format, v); ok {
		rl.logger.Debugf(format, v...)
	}
}

// Infof implements Logger.Infof.
func (rl *RateLimited) Infof(format string, v ...any) {
	if format, v, ok := rl.allow(Info, format, v); ok {
		rl.logger.Infof(format, v...)
	}
}

// Warningf implements Logger.Warningf.
func (rl *RateLimited) Warningf(format string, v ...any) {
	if format, v, ok := rl.allow(Warning, format, v); ok {
		rl.logger.Warningf(format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (rl *RateLimited) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}
