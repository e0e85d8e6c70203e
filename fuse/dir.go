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

package fuse

import (
	"context"
	"path"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/sirupsen/logrus"

	"github.com/nestybox/cachefs/domain"
)

// Dir struct serves as a FUSE-friendly abstraction to represent the directory
// entries held by the store.
type Dir struct {
	// Underlying File struct representing each directory.
	File
}

// NewDir method serves as Dir constructor.
func NewDir(name string, path string, attr *fuse.Attr, srv *fuseServer) *Dir {

	newDir := &Dir{
		File: *NewFile(name, path, attr, srv),
	}

	return newDir
}

// Lookup FS operation. Entries carrying the directory type bits are exposed
// as Dir nodes; everything else as File nodes.
func (d *Dir) Lookup(
	ctx context.Context,
	req *fuse.LookupRequest,
	resp *fuse.LookupResponse) (fs.Node, error) {

	logrus.Debugf("Requested Lookup() operation for entry %v (Req ID=%#v)",
		req.Name, uint64(req.ID))

	p := path.Join(d.path, req.Name)

	rec, err := d.server.service.hds.Getattr(newRequest(p, req.Header))
	if err != nil {
		return nil, newIOerror(err)
	}

	attr := recordToAttr(rec)

	// Dentries must not be cached by the kernel either.
	resp.EntryValid = 0

	if rec.IsDir() {
		return NewDir(req.Name, p, &attr, d.server), nil
	}

	return NewFile(req.Name, p, &attr, d.server), nil
}

// Open FS operation.
func (d *Dir) Open(
	ctx context.Context,
	req *fuse.OpenRequest,
	resp *fuse.OpenResponse) (fs.Handle, error) {

	logrus.Debugf("Requested Open() operation for directory %v (Req ID=%#v)",
		d.path, uint64(req.ID))

	// The root is always reachable, with or without a record of its own.
	if d.path != "/" {
		request := newRequest(d.path, req.Header)
		request.Flags = int(req.Flags)

		if err := d.server.service.hds.Open(request); err != nil {
			return nil, newIOerror(err)
		}
	}

	return d, nil
}

// ReadDirAll FS operation.
func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {

	logrus.Debugf("Requested ReadDirAll() operation for directory %v", d.path)

	names, err := d.server.service.hds.ReadDirAll(&domain.HandlerRequest{Path: d.path})
	if err != nil {
		return nil, newIOerror(err)
	}

	children := make([]fuse.Dirent, 0, len(names))

	for _, name := range names {
		elem := fuse.Dirent{Name: name, Type: fuse.DT_Unknown}
		if name == "." || name == ".." {
			elem.Type = fuse.DT_Dir
		}
		children = append(children, elem)
	}

	return children, nil
}
