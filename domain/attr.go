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

import (
	"os"
	"syscall"
	"time"
)

// AttrKey enumerates the keys recognized within the attribute wire-format
// ("atime:1600000000,mode:33188,size:4096,exists:1").
type AttrKey int

const (
	AttrAtime AttrKey = iota
	AttrCtime
	AttrMtime
	AttrMode
	AttrGid
	AttrUid
	AttrNlink
	AttrSize
	AttrExists

	attrKeyCount
)

var attrKeyNames = [attrKeyCount]string{
	AttrAtime:  "atime",
	AttrCtime:  "ctime",
	AttrMtime:  "mtime",
	AttrMode:   "mode",
	AttrGid:    "gid",
	AttrUid:    "uid",
	AttrNlink:  "nlink",
	AttrSize:   "size",
	AttrExists: "exists",
}

// AttrKeys returns all recognized keys in their canonical (encoding) order.
func AttrKeys() []AttrKey {

	keys := make([]AttrKey, 0, attrKeyCount)
	for k := AttrKey(0); k < attrKeyCount; k++ {
		keys = append(keys, k)
	}

	return keys
}

// LookupAttrKey maps a wire-format key name into its AttrKey. The second
// return value is false for any name outside of the recognized set.
func LookupAttrKey(name string) (AttrKey, bool) {

	for k, n := range attrKeyNames {
		if n == name {
			return AttrKey(k), true
		}
	}

	return 0, false
}

func (k AttrKey) String() string {

	if k < 0 || k >= attrKeyCount {
		return "unknown"
	}

	return attrKeyNames[k]
}

// AttributeRecord holds the per-entry metadata decoded from the store. All
// numeric fields are zero unless explicitly assigned by the wire-format.
// IsLocal reports whether the entry's content is already materialized in the
// local content cache.
type AttributeRecord struct {
	Atime   uint64
	Ctime   uint64
	Mtime   uint64
	Mode    uint64
	Uid     uint64
	Gid     uint64
	Nlink   uint64
	Size    uint64
	IsLocal bool
}

// Set assigns the record field associated to the given key. The "exists" key
// is coerced into a boolean (nonzero = true).
func (r *AttributeRecord) Set(k AttrKey, val uint64) {

	switch k {
	case AttrAtime:
		r.Atime = val
	case AttrCtime:
		r.Ctime = val
	case AttrMtime:
		r.Mtime = val
	case AttrMode:
		r.Mode = val
	case AttrGid:
		r.Gid = val
	case AttrUid:
		r.Uid = val
	case AttrNlink:
		r.Nlink = val
	case AttrSize:
		r.Size = val
	case AttrExists:
		r.IsLocal = val != 0
	}
}

// Get returns the numeric value associated to the given key.
func (r *AttributeRecord) Get(k AttrKey) uint64 {

	switch k {
	case AttrAtime:
		return r.Atime
	case AttrCtime:
		return r.Ctime
	case AttrMtime:
		return r.Mtime
	case AttrMode:
		return r.Mode
	case AttrGid:
		return r.Gid
	case AttrUid:
		return r.Uid
	case AttrNlink:
		return r.Nlink
	case AttrSize:
		return r.Size
	case AttrExists:
		if r.IsLocal {
			return 1
		}
	}

	return 0
}

// IsDir reports whether the raw st_mode carries the directory type bits.
func (r *AttributeRecord) IsDir() bool {
	return r.Mode&syscall.S_IFMT == syscall.S_IFDIR
}

// FileMode converts the raw st_mode reported by the store into its os.FileMode
// counterpart.
func (r *AttributeRecord) FileMode() os.FileMode {

	mode := os.FileMode(r.Mode & 0777)

	switch r.Mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		mode |= os.ModeDir
	case syscall.S_IFLNK:
		mode |= os.ModeSymlink
	case syscall.S_IFIFO:
		mode |= os.ModeNamedPipe
	case syscall.S_IFSOCK:
		mode |= os.ModeSocket
	case syscall.S_IFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	case syscall.S_IFBLK:
		mode |= os.ModeDevice
	}

	if r.Mode&syscall.S_ISUID != 0 {
		mode |= os.ModeSetuid
	}
	if r.Mode&syscall.S_ISGID != 0 {
		mode |= os.ModeSetgid
	}
	if r.Mode&syscall.S_ISVTX != 0 {
		mode |= os.ModeSticky
	}

	return mode
}

func (r *AttributeRecord) AccessTime() time.Time {
	return time.Unix(int64(r.Atime), 0)
}

func (r *AttributeRecord) ChangeTime() time.Time {
	return time.Unix(int64(r.Ctime), 0)
}

func (r *AttributeRecord) ModifyTime() time.Time {
	return time.Unix(int64(r.Mtime), 0)
}
