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

import "go.uber.org/atomic"

// ActionBlocker cancels in-flight transfers. Both the sending and the
// receiving copy loop poll it between chunks; a set blocker makes the
// operation fail with ErrAborted and clean up its partial state.
type ActionBlocker struct {
	cancelled atomic.Int32
}

// Cancel blocks every transfer sharing this blocker.
func (b *ActionBlocker) Cancel() {
	b.cancelled.Inc()
}

// Reset re-enables transfers.
func (b *ActionBlocker) Reset() {
	b.cancelled.Store(0)
}

// IsCancelled reports whether transfers are blocked.
func (b *ActionBlocker) IsCancelled() bool {
	return b != nil && b.cancelled.Load() > 0
}
