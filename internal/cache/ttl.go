// Copyright 2025 Celine Authors
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

// Package cache provides a small process-local TTL cache used for policy
// decisions and resolved row-filter plans.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a bounded, concurrency-safe map with per-entry expiry.
// On overflow, expired entries are dropped first, then one arbitrary entry.
type TTL[V any] struct {
	mu      sync.Mutex
	maxSize int
	store   map[string]entry[V]
	now     func() time.Time
}

// NewTTL returns a cache holding at most maxSize entries.
func NewTTL[V any](maxSize int) *TTL[V] {
	if maxSize <= 0 {
		maxSize = 10_000
	}
	return &TTL[V]{
		maxSize: maxSize,
		store:   make(map[string]entry[V]),
		now:     time.Now,
	}
}

// Get returns the cached value for key, if present and unexpired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.store[key]
	if !ok {
		return zero, false
	}
	if !e.expiresAt.After(c.now()) {
		delete(c.store, key)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for ttl. Non-positive ttl values are not stored.
func (c *TTL[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.store) >= c.maxSize {
		now := c.now()
		for k, e := range c.store {
			if !e.expiresAt.After(now) {
				delete(c.store, k)
			}
		}
		if len(c.store) >= c.maxSize {
			for k := range c.store {
				delete(c.store, k)
				break
			}
		}
	}

	c.store[key] = entry[V]{value: value, expiresAt: c.now().Add(ttl)}
}

// Len reports the number of stored entries, expired or not.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.store)
}
