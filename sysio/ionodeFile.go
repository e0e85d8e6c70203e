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

package sysio

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/nestybox/cachefs/domain"
)

// Ensure IOnodeFile implements IOnode's interface.
var _ domain.IOnodeIface = (*IOnodeFile)(nil)
var _ domain.IOServiceIface = (*ioFileService)(nil)

// I/O Service providing access to the content cache.
type ioFileService struct {
	fsType domain.IOServiceType
	appFs  afero.Fs
	root   string
}

func (s *ioFileService) NewIOnode(
	n string,
	p string,
	mode os.FileMode) domain.IOnodeIface {

	newFile := &IOnodeFile{
		name: n,
		path: p,
		mode: mode,
		fs:   s.appFs,
	}

	return newFile
}

// Eliminates all the content held by a memory-based FS. Utilized during
// unit-testing only; the host content cache is never wiped out.
func (s *ioFileService) RemoveAllIOnodes() error {

	if s.fsType != domain.IOMemFileService {
		return errors.New("RemoveAllIOnodes not supported on host FS")
	}

	return s.appFs.RemoveAll("/")
}

// TempDir creates a new, uniquely named, directory within dir and returns its
// path.
func (s *ioFileService) TempDir(dir string, prefix string) (string, error) {

	if err := s.appFs.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	return afero.TempDir(s.appFs, dir, prefix)
}

func (s *ioFileService) GetServiceType() domain.IOServiceType {
	return s.fsType
}

// IOnode class specialization for content-cache interaction.
type IOnodeFile struct {
	name  string
	path  string
	flags int
	mode  os.FileMode
	file  afero.File
	fs    afero.Fs
}

func (i *IOnodeFile) Open() error {

	file, err := i.fs.OpenFile(i.path, i.flags, i.mode)
	if err != nil {
		return err
	}

	i.file = file

	return nil
}

func (i *IOnodeFile) Close() error {

	if i.file == nil {
		return os.ErrClosed
	}

	err := i.file.Close()
	i.file = nil

	return err
}

// ReadAt reads from the previously opened file. Short reads caused by the end
// of the file are not reported as errors.
func (i *IOnodeFile) ReadAt(p []byte, off int64) (n int, err error) {

	if i.file == nil {
		return 0, os.ErrClosed
	}

	n, err = i.file.ReadAt(p, off)
	if err == io.EOF {
		err = nil
	}

	return n, err
}

func (i *IOnodeFile) ReadDirAll() ([]os.FileInfo, error) {
	return afero.ReadDir(i.fs, i.path)
}

func (i *IOnodeFile) ReadFile() ([]byte, error) {
	return afero.ReadFile(i.fs, i.path)
}

// WriteFile materializes the given content at the node's path. Content is
// first written into a temporary file within the same directory, which is
// then renamed, so that readers never observe partially written files.
func (i *IOnodeFile) WriteFile(p []byte) error {

	dir := filepath.Dir(i.path)

	if err := i.fs.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := afero.TempFile(i.fs, dir, "."+filepath.Base(i.path)+".tmp-")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(p); err != nil {
		tmp.Close()
		i.fs.Remove(tmp.Name())
		return err
	}

	if err := tmp.Close(); err != nil {
		i.fs.Remove(tmp.Name())
		return err
	}

	mode := i.mode.Perm()
	if mode == 0 {
		mode = 0644
	}
	if err := i.fs.Chmod(tmp.Name(), mode); err != nil {
		i.fs.Remove(tmp.Name())
		return err
	}

	if err := i.fs.Rename(tmp.Name(), i.path); err != nil {
		i.fs.Remove(tmp.Name())
		return err
	}

	return nil
}

func (i *IOnodeFile) MkdirAll() error {
	return i.fs.MkdirAll(i.path, i.mode)
}

func (i *IOnodeFile) Stat() (os.FileInfo, error) {
	return i.fs.Stat(i.path)
}

func (i *IOnodeFile) Remove() error {
	return i.fs.Remove(i.path)
}

func (i *IOnodeFile) Name() string {
	return i.name
}

func (i *IOnodeFile) Path() string {
	return i.path
}

func (i *IOnodeFile) OpenFlags() int {
	return i.flags
}

func (i *IOnodeFile) OpenMode() os.FileMode {
	return i.mode
}

func (i *IOnodeFile) SetOpenFlags(flags int) {
	i.flags = flags
}

func (i *IOnodeFile) SetOpenMode(mode os.FileMode) {
	i.mode = mode
}
