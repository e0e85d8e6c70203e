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

import "time"

// StoreKey identifies an entry within the store's key namespace. It's
// obtained by prefixing a filesystem path with the configured url-root.
type StoreKey string

func (k StoreKey) String() string {
	return string(k)
}

// StoreOptions collects the connection settings of the metadata store.
type StoreOptions struct {
	Address    string
	Password   string
	DB         int
	Timeout    time.Duration
	AttrSuffix string
	ListSuffix string
}

// StoreServiceIface represents the metadata-store client. All operations are
// serialized over a single connection; implementations must be safe for
// concurrent use.
type StoreServiceIface interface {
	Connect() error
	Close() error
	IsConnected() bool

	// Metadata-path primitives.
	Exists(key StoreKey) (bool, error)
	GetAttributes(key StoreKey) ([]byte, error)
	GetChildren(key StoreKey) ([]string, error)

	// Store population primitives (utilized by the index command).
	SetAttributes(key StoreKey, attrs []byte) error
	SetChildren(key StoreKey, children []string) error
}

// KeyTranslatorIface maps filesystem-visible paths into store keys, and store
// keys into their location within the local content cache.
type KeyTranslatorIface interface {
	Translate(path string) StoreKey
	ContentPath(key StoreKey) string
	Root() string
}
