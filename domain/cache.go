//
// Copyright 2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package domain

import "context"

// CacheState classifies an entry according to the availability of its
// content in the local cache.
type CacheState int

const (
	// Content is already materialized locally.
	CacheLocal CacheState = iota

	// Content must be fetched from the origin before it can be served.
	CacheNeedsFetch
)

func (s CacheState) String() string {

	if s == CacheLocal {
		return "local"
	}

	return "needs-fetch"
}

// Classification is the outcome of the cache-decision engine.
type Classification struct {
	State  CacheState
	Record AttributeRecord
}

// FetchPolicy determines how reads on entries not locally cached are served.
type FetchPolicy string

const (
	// Fetch from origin, materialize, then serve (blocking the read).
	FetchSync FetchPolicy = "sync"

	// Fail the read with EAGAIN and let the caller retry.
	FetchEagain FetchPolicy = "eagain"
)

type CacheServiceIface interface {
	Classify(rec *AttributeRecord) Classification
	Fetcher() FetcherIface
	Policy() FetchPolicy
}

// FetcherIface is the extension point utilized to resolve entries that are
// present in the store's metadata but whose content is not cached locally.
// Implementations return the entry's full content.
type FetcherIface interface {
	Fetch(ctx context.Context, key StoreKey, rec *AttributeRecord) ([]byte, error)
}
