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

// Package cache holds cachefs' cache-decision engine, which classifies store
// entries as locally cached or pending an origin fetch, as well as the fetch
// extension point utilized to resolve the latter.
package cache

import (
	"github.com/nestybox/cachefs/domain"
	"github.com/nestybox/cachefs/metrics"
)

// Ensure cacheService implements CacheService interface.
var _ domain.CacheServiceIface = (*cacheService)(nil)

type cacheService struct {
	policy  domain.FetchPolicy  // how reads on non-cached entries are served
	fetcher domain.FetcherIface // fetch extension point, nil with eagain policy
	metrics *metrics.Metrics
}

func NewCacheService(
	policy domain.FetchPolicy,
	fetcher domain.FetcherIface,
	m *metrics.Metrics) domain.CacheServiceIface {

	if policy == "" {
		policy = domain.FetchSync
	}

	return &cacheService{
		policy:  policy,
		fetcher: fetcher,
		metrics: m,
	}
}

// Classify determines whether the entry described by the given record is
// fully cached locally or must be fetched from origin first. No I/O is
// performed: the decision relies exclusively on the record's "exists" flag
// as reported by the store.
func (cs *cacheService) Classify(rec *domain.AttributeRecord) domain.Classification {

	state := domain.CacheNeedsFetch
	if rec.IsLocal {
		state = domain.CacheLocal
	}

	cs.metrics.RecordClassification(state.String())

	return domain.Classification{State: state, Record: *rec}
}

func (cs *cacheService) Fetcher() domain.FetcherIface {
	return cs.fetcher
}

func (cs *cacheService) Policy() domain.FetchPolicy {
	return cs.policy
}
