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
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRateLimiterCaps(t *testing.T) {
	limiter := NewRateLimiter()

	// post_hourly admits 3
	for i := 0; i < 3; i++ {
		if res := limiter.Check(RateKeyPostHourly); !res.Allowed {
			t.Fatalf("attempt %d unexpectedly denied: %s", i+1, res.Reason)
		}
		limiter.Record(RateKeyPostHourly)
	}

	res := limiter.Check(RateKeyPostHourly)
	if res.Allowed {
		t.Fatal("4th post within an hour should be denied")
	}
	if !strings.HasPrefix(res.Reason, "Rate limit exceeded: post_hourly") {
		t.Errorf("reason = %q", res.Reason)
	}
	if res.Reason != "Rate limit exceeded: post_hourly (3 per 1h)" {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestRateLimiterCheckDoesNotConsume(t *testing.T) {
	limiter := NewRateLimiter()

	for i := 0; i < 100; i++ {
		if res := limiter.Check(RateKeyVoteHourly); !res.Allowed {
			t.Fatalf("check alone consumed quota at iteration %d", i)
		}
	}
	if got := limiter.Count(RateKeyVoteHourly); got != 0 {
		t.Errorf("window length = %d after checks only", got)
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	limiter := NewRateLimiter()

	for i := 0; i < 3; i++ {
		limiter.Record(RateKeyPostHourly)
	}

	if res := limiter.Check(RateKeyVoteHourly); !res.Allowed {
		t.Errorf("vote window affected by post records: %s", res.Reason)
	}
	if res := limiter.Check(RateKeyPostDaily); !res.Allowed {
		t.Errorf("daily window affected by hourly records only through its own stamps: %s", res.Reason)
	}
}

func TestRateLimiterUnknownKeyFailsClosed(t *testing.T) {
	limiter := NewRateLimiter()
	if res := limiter.Check("mystery"); res.Allowed {
		t.Error("unknown key should be denied")
	}
}

func TestSlidingWindowPrunesExpired(t *testing.T) {
	current := time.Now()
	w := &slidingWindow{
		horizon: time.Hour,
		cap:     3,
		now:     func() time.Time { return current },
	}

	for i := 0; i < 3; i++ {
		w.record()
	}
	if w.check() {
		t.Fatal("expected full window to deny")
	}

	// Advance past the horizon: all stamps expire and admission resumes
	current = current.Add(time.Hour + time.Minute)
	if !w.check() {
		t.Fatal("expected expired stamps to be pruned")
	}
	if got := w.len(); got != 0 {
		t.Errorf("window length = %d after expiry", got)
	}
}

func TestSlidingWindowNeverExceedsCapOnAdmission(t *testing.T) {
	current := time.Now()
	w := &slidingWindow{
		horizon: time.Hour,
		cap:     5,
		now:     func() time.Time { return current },
	}

	for i := 0; i < 50; i++ {
		if w.check() {
			w.record()
		}
		current = current.Add(time.Minute)
		if got := w.len(); got > 5 {
			t.Fatalf("window length %d exceeds cap", got)
		}
	}
}

func TestSlidingWindowConcurrentAccess(t *testing.T) {
	w := &slidingWindow{horizon: time.Hour, cap: 1000, now: time.Now}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if w.check() {
					w.record()
				}
			}
		}()
	}
	wg.Wait()

	if got := w.len(); got > 1000 {
		t.Errorf("window length %d exceeds cap under concurrency", got)
	}
}
