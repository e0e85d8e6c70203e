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

package cache

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/nestybox/cachefs/domain"
	"github.com/nestybox/cachefs/metrics"
)

// Ensure OriginFetcher implements the fetch extension point.
var _ domain.FetcherIface = (*OriginFetcher)(nil)

// Default upper bound for a fetch, retries included.
const DefaultFetchTimeout = 30 * time.Second

// OriginFetcher resolves entries not yet cached locally by retrieving them
// from their origin. Store keys are origin URLs ("http://host/path"); fetched
// content is materialized within the content cache at "<host>/<path>", which
// is the location where locally-cached entries are expected to be found.
//
// Concurrent fetches of the same key are collapsed into a single origin
// request.
type OriginFetcher struct {
	client  *http.Client
	ios     domain.IOServiceIface
	kt      domain.KeyTranslatorIface
	timeout time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics

	// Sizes of the content materialized by this fetcher, per key.
	mu      sync.Mutex
	fetched map[domain.StoreKey]materialized
}

// materialized pairs the size announced by the store record a fetch was issued
// for with the size of the body the origin actually returned.
type materialized struct {
	recSize  uint64
	fileSize int64
}

func NewOriginFetcher(
	ios domain.IOServiceIface,
	kt domain.KeyTranslatorIface,
	timeout time.Duration,
	m *metrics.Metrics) *OriginFetcher {

	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}

	return &OriginFetcher{
		client:  &http.Client{Timeout: timeout},
		ios:     ios,
		kt:      kt,
		timeout: timeout,
		metrics: m,
		fetched: make(map[domain.StoreKey]materialized),
	}
}

// Fetch returns the full content of the given key, retrieving it from origin
// unless a materialized copy of the expected size is already present.
func (f *OriginFetcher) Fetch(
	ctx context.Context,
	key domain.StoreKey,
	rec *domain.AttributeRecord) ([]byte, error) {

	// The shared fetch outlives any single caller; each caller only gives up
	// waiting on it.
	ch := f.group.DoChan(string(key), func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()
		return f.fetch(fctx, key, rec)
	})

	select {
	case <-ctx.Done():
		return nil, domain.NewStoreError(domain.KindUnavailable, "fetch", string(key), ctx.Err())

	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			logrus.Debugf("Fetch of %s shared with concurrent request", key)
		}
		return res.Val.([]byte), nil
	}
}

// isMaterialized reports whether a content file of the given size can stand
// for the record: either it matches the size the store announces, or this
// fetcher wrote it for a record announcing that same size.
func (f *OriginFetcher) isMaterialized(
	key domain.StoreKey,
	rec *domain.AttributeRecord,
	size int64) bool {

	if uint64(size) == rec.Size {
		return true
	}

	f.mu.Lock()
	m, ok := f.fetched[key]
	f.mu.Unlock()

	return ok && m.recSize == rec.Size && m.fileSize == size
}

func (f *OriginFetcher) fetch(
	ctx context.Context,
	key domain.StoreKey,
	rec *domain.AttributeRecord) ([]byte, error) {

	contentPath := f.kt.ContentPath(key)
	node := f.ios.NewIOnode(path.Base(contentPath), contentPath, 0644)

	// Content may have been materialized by a previous fetch (or out of band)
	// while the store still reports the entry as not cached.
	if fi, err := node.Stat(); err == nil && !fi.IsDir() && f.isMaterialized(key, rec, fi.Size()) {
		data, err := node.ReadFile()
		if err == nil {
			f.metrics.RecordFetch("cached", 0)
			return data, nil
		}
	}

	u, err := url.Parse(string(key))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		f.metrics.RecordFetch("error", 0)
		return nil, domain.NewStoreError(domain.KindUnavailable, "fetch", string(key),
			errors.New("key is not an http(s) origin url"))
	}

	start := time.Now()

	data, err := f.download(ctx, u.String())
	if err != nil {
		f.metrics.RecordFetch("error", 0)
		logrus.Warnf("Fetch of %s failed: %v", key, err)
		return nil, domain.NewStoreError(domain.KindUnavailable, "fetch", string(key), err)
	}

	if uint64(len(data)) != rec.Size {
		logrus.Warnf("Origin returned %d bytes for %s, store announces %d",
			len(data), key, rec.Size)
	}

	if err := node.WriteFile(data); err != nil {
		// Content is still served; only its local materialization failed.
		logrus.Warnf("Could not materialize %s at %s: %v", key, contentPath, err)
	} else {
		f.mu.Lock()
		f.fetched[key] = materialized{recSize: rec.Size, fileSize: int64(len(data))}
		f.mu.Unlock()
	}

	f.metrics.RecordFetch("ok", len(data))

	logrus.WithFields(logrus.Fields{
		"key":      key,
		"size":     humanize.Bytes(uint64(len(data))),
		"duration": time.Since(start),
	}).Debug("Fetched from origin")

	return data, nil
}

// download retrieves the given url, retrying transient failures (connection
// errors, 5xx and 429 replies) with an exponential backoff bounded by the
// fetcher's timeout.
func (f *OriginFetcher) download(ctx context.Context, rawurl string) ([]byte, error) {

	var data []byte

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("origin replied %s", resp.Status)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return err
			}
			return backoff.Permanent(err)
		}

		body, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		data = body

		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = f.timeout

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}

	return data, nil
}
