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

// Package query runs governed dataset queries end to end: validation,
// catalogue resolution, access enforcement, row-filter rewriting and
// execution against the backend.
package query

const (
	// DefaultLimit applies when the request omits a page size.
	DefaultLimit = 100
	// MaxLimit caps the page size regardless of the request.
	MaxLimit = 10000
)

// ClampLimit normalises a requested page size into [1, MaxLimit].
// Zero and negative values mean "default". Clamping is idempotent.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// ClampOffset normalises a requested offset to be non-negative.
func ClampOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
