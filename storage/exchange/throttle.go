// Copyright 2023 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package exchange

import (
	"sync"
	"time"
)

// Throttler enforces a byte-per-second cap across the chunked copy loops of
// its owner: one Service or one Fetcher holds a single Throttler shared by
// all of its exchanges, so there is no separate cap per exchange. The rate is
// averaged from the first throttled byte on. A nil or zero-rate throttler is
// a no-op.
type Throttler struct {
	maxBytesPerSecond uint64

	mu      sync.Mutex
	total   uint64
	started time.Time
}

// NewThrottler builds a throttler; zero means unthrottled.
func NewThrottler(maxBytesPerSecond uint64) *Throttler {
	return &Throttler{maxBytesPerSecond: maxBytesPerSecond}
}

// Add accounts n transferred bytes, sleeping as long as needed to hold the
// configured rate.
func (t *Throttler) Add(n uint64) {
	if t == nil || t.maxBytesPerSecond == 0 {
		return
	}
	t.mu.Lock()
	if t.started.IsZero() {
		t.started = time.Now()
	}
	t.total += n
	expected := time.Duration(float64(t.total) / float64(t.maxBytesPerSecond) * float64(time.Second))
	sleep := expected - time.Since(t.started)
	t.mu.Unlock()
	if sleep > 0 {
		time.Sleep(sleep)
	}
}
