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

package core

import (
	"strconv"
	"sync"
)

// SymbolAllocator hands out symbol names guaranteed not to collide with any
// registered name. It is shared by concurrent rule applications and guards
// itself with its own lock.
type SymbolAllocator struct {
	mu   sync.Mutex
	used map[string]struct{}
}

// NewSymbolAllocator builds an allocator pre-registered with the given
// names.
func NewSymbolAllocator(existing ...string) *SymbolAllocator {
	a := &SymbolAllocator{used: make(map[string]struct{}, len(existing))}
	for _, name := range existing {
		a.used[name] = struct{}{}
	}
	return a
}

// Register marks names as taken.
func (a *SymbolAllocator) Register(names ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, name := range names {
		a.used[name] = struct{}{}
	}
}

// RegisterPlan marks every symbol appearing in the subtree as taken.
func (a *SymbolAllocator) RegisterPlan(node *PlanNode) {
	if node == nil {
		return
	}
	a.Register(node.Stream().Names()...)
	for _, child := range node.Children() {
		a.RegisterPlan(child)
	}
}

// New returns base when it is free, otherwise base_1, base_2, ... The
// returned name is registered before returning.
func (a *SymbolAllocator) New(base string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	name := base
	for i := 1; ; i++ {
		if _, ok := a.used[name]; !ok {
			a.used[name] = struct{}{}
			return name
		}
		name = base + "_" + strconv.Itoa(i)
	}
}
