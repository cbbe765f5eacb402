// Copyright 2025 Moltbook
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

package proxy

import (
	"fmt"
	"sync"
	"time"
)

// Rate-limit action classes. Posts consult both the hourly and daily
// windows; votes consult only theirs.
const (
	RateKeyPostHourly = "post_hourly"
	RateKeyPostDaily  = "post_daily"
	RateKeyVoteHourly = "vote_hourly"
)

// slidingWindow holds the acceptance timestamps inside one horizon.
// Check is non-mutating; Record appends. All state is in-memory and
// cleared on restart.
type slidingWindow struct {
	horizon time.Duration
	cap     int
	mu      sync.Mutex
	stamps  []time.Time
	now     func() time.Time
}

// prune drops timestamps older than the horizon. Callers hold mu.
func (w *slidingWindow) prune() {
	cutoff := w.now().Add(-w.horizon)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	w.stamps = w.stamps[i:]
}

func (w *slidingWindow) check() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	return len(w.stamps) < w.cap
}

func (w *slidingWindow) record() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	w.stamps = append(w.stamps, w.now())
}

func (w *slidingWindow) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	return len(w.stamps)
}

// RateLimiter enforces the fixed per-action-class windows. Check never
// consumes quota; handlers call Record only after the upstream accepted the
// action, so denied, invalid, and sanitized requests cost nothing.
type RateLimiter struct {
	windows map[string]*slidingWindow
}

// NewRateLimiter creates the limiter with the fixed caps: post_hourly 3/1h,
// post_daily 10/24h, vote_hourly 20/1h.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows: map[string]*slidingWindow{
			RateKeyPostHourly: {horizon: time.Hour, cap: 3, now: time.Now},
			RateKeyPostDaily:  {horizon: 24 * time.Hour, cap: 10, now: time.Now},
			RateKeyVoteHourly: {horizon: time.Hour, cap: 20, now: time.Now},
		},
	}
}

// Check reports whether a new action in the named class would be admitted.
func (r *RateLimiter) Check(key string) CheckResult {
	w, ok := r.windows[key]
	if !ok {
		// Fail closed on unknown classes
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("Unknown rate limit key: %s", key)}
	}
	if !w.check() {
		return CheckResult{
			Allowed: false,
			Reason:  fmt.Sprintf("Rate limit exceeded: %s (%d per %gh)", key, w.cap, w.horizon.Hours()),
		}
	}
	return CheckResult{Allowed: true}
}

// Record appends the current time to the named window.
func (r *RateLimiter) Record(key string) {
	if w, ok := r.windows[key]; ok {
		w.record()
	}
}

// Count returns the live length of the named window.
func (r *RateLimiter) Count(key string) int {
	if w, ok := r.windows[key]; ok {
		return w.len()
	}
	return 0
}
