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
)

// RecordFromFileInfo builds the attribute record of a locally materialized
// entry. Raw stat fields are utilized when available (host FS); otherwise
// (e.g. memory-based FS) they are derived from the os.FileInfo methods.
func RecordFromFileInfo(fi os.FileInfo) AttributeRecord {

	rec := AttributeRecord{IsLocal: true}

	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		rec.Atime = uint64(st.Atim.Sec)
		rec.Ctime = uint64(st.Ctim.Sec)
		rec.Mtime = uint64(st.Mtim.Sec)
		rec.Mode = uint64(st.Mode)
		rec.Uid = uint64(st.Uid)
		rec.Gid = uint64(st.Gid)
		rec.Nlink = uint64(st.Nlink)
		rec.Size = uint64(st.Size)
		return rec
	}

	mtime := uint64(fi.ModTime().Unix())
	rec.Atime = mtime
	rec.Ctime = mtime
	rec.Mtime = mtime
	rec.Mode = uint64(fi.Mode().Perm())
	rec.Nlink = 1
	rec.Size = uint64(fi.Size())

	if fi.IsDir() {
		rec.Mode |= syscall.S_IFDIR
		rec.Nlink = 2
	} else {
		rec.Mode |= syscall.S_IFREG
	}

	return rec
}
