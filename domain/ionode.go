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

import "os"

//
// ioNode interface serves as an abstract-class to represent the I/O resources
// (content-cache files) with whom cachefs operates. All I/O transactions on
// cached content are carried out through the methods exposed by this
// interface. There are two specializations at the moment:
//
// 1. IOOsFileService: backed by the host FS, rooted at the content-cache
//    directory. To be utilized in production scenarios.
//
// 2. IOMemFileService: backed by a memory-based FS. To be utilized during UT
//    efforts.
//

type IOServiceType = int

const (
	Unknown          IOServiceType = iota
	IOOsFileService                // production / regular purposes
	IOMemFileService               // unit-testing purposes
)

type IOServiceIface interface {
	NewIOnode(n string, p string, attr os.FileMode) IOnodeIface
	RemoveAllIOnodes() error
	TempDir(dir string, prefix string) (string, error)
	GetServiceType() IOServiceType
}

type IOnodeIface interface {
	Open() error
	Close() error
	ReadAt(p []byte, off int64) (n int, err error)
	ReadDirAll() ([]os.FileInfo, error)
	ReadFile() ([]byte, error)
	WriteFile(p []byte) error
	MkdirAll() error
	Stat() (os.FileInfo, error)
	Remove() error
	// Required getters/setters.
	Name() string
	Path() string
	OpenFlags() int
	OpenMode() os.FileMode
	SetOpenFlags(flags int)
	SetOpenMode(mode os.FileMode)
}
