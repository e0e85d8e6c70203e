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

// HandlerRequest carries the parameters of a filesystem operation as received
// from the FUSE layer.
type HandlerRequest struct {
	ID     uint64
	Pid    uint32
	Uid    uint32
	Gid    uint32
	Path   string
	Flags  int
	Offset int64
	Size   int
}

// HandlerServiceIface is the filesystem-operation dispatcher. It implements
// the observable filesystem operations in terms of the key translator, the
// store client, the attribute codec and the cache-decision engine.
//
// Errors returned by these methods are always syscall.Errno values, ready to
// be handed over to the FUSE layer.
type HandlerServiceIface interface {
	Getattr(req *HandlerRequest) (*AttributeRecord, error)
	ReadDirAll(req *HandlerRequest) ([]string, error)
	Open(req *HandlerRequest) error
	Read(ctx context.Context, req *HandlerRequest) ([]byte, error)

	// Paths short-circuited with ENOENT without any store round-trip.
	SetProbeFilter(prefixes []string)
	IsProbe(path string) bool

	// getters
	StoreService() StoreServiceIface
	CacheService() CacheServiceIface
	IOService() IOServiceIface
	KeyTranslator() KeyTranslatorIface
}
