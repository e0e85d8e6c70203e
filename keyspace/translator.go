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

// Package keyspace maps filesystem paths into the store's key namespace, and
// store keys into their location within the local content cache.
package keyspace

import (
	"net/url"
	"path"

	"github.com/nestybox/cachefs/domain"
)

// Ensure translator implements the KeyTranslator interface.
var _ domain.KeyTranslatorIface = (*translator)(nil)

type translator struct {
	root string // url-root prefix, immutable once created
}

// NewKeyTranslator returns a translator prefixing all paths with the given
// url-root (e.g. "http://origin.example.com/data").
func NewKeyTranslator(root string) domain.KeyTranslatorIface {
	return &translator{root: root}
}

func (t *translator) Root() string {
	return t.root
}

// Translate concatenates the url-root with the given filesystem path. The
// root path ("/") maps to the bare url-root so that no duplicate separator
// is appended. Any string is accepted.
func (t *translator) Translate(p string) domain.StoreKey {

	if p == "/" {
		return domain.StoreKey(t.root)
	}

	return domain.StoreKey(t.root + p)
}

// ContentPath returns the location, relative to the content-cache directory,
// where the content of the given key is materialized. URL keys follow the
// "<host>/<path>" layout; any other key is treated as a plain path.
func (t *translator) ContentPath(key domain.StoreKey) string {

	u, err := url.Parse(string(key))
	if err == nil && u.Scheme != "" && u.Host != "" {
		return path.Join("/", u.Host, u.Path)
	}

	return path.Join("/", string(key))
}
