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
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/sirupsen/logrus"

	"github.com/nestybox/cachefs/domain"
)

// File struct serves as a FUSE-friendly abstraction to represent the
// non-directory entries held by the store.
type File struct {
	name   string      // entry name
	path   string      // absolute path within the mount
	attr   fuse.Attr   // attributes obtained when the node was created
	server *fuseServer // backpointer to the serving fuse-server
}

// NewFile method serves as File constructor.
func NewFile(name string, path string, attr *fuse.Attr, srv *fuseServer) *File {

	newFile := &File{
		name:   name,
		path:   path,
		attr:   *attr,
		server: srv,
	}

	return newFile
}

// Attr FS operation. Attributes are always resolved against the store; the
// kernel is not allowed to cache them.
func (f *File) Attr(ctx context.Context, a *fuse.Attr) error {

	logrus.Debugf("Requested Attr() operation for entry %v", f.path)

	rec, err := f.server.service.hds.Getattr(&domain.HandlerRequest{Path: f.path})
	if err != nil {
		// A mount whose url-root carries no record is still browsable.
		if f.path == "/" && err == syscall.ENOENT {
			*a = f.attr
			a.Valid = 0
			return nil
		}
		return newIOerror(err)
	}

	*a = recordToAttr(rec)

	return nil
}

// Open FS operation.
func (f *File) Open(
	ctx context.Context,
	req *fuse.OpenRequest,
	resp *fuse.OpenResponse) (fs.Handle, error) {

	logrus.Debugf("Requested Open() operation for entry %v (Req ID=%#v)",
		f.path, uint64(req.ID))

	request := newRequest(f.path, req.Header)
	request.Flags = int(req.Flags)

	if err := f.server.service.hds.Open(request); err != nil {
		return nil, newIOerror(err)
	}

	// Every read must reach the dispatcher.
	resp.Flags |= fuse.OpenDirectIO

	return f, nil
}

// Read FS operation.
func (f *File) Read(
	ctx context.Context,
	req *fuse.ReadRequest,
	resp *fuse.ReadResponse) error {

	logrus.Debugf("Requested Read() operation for entry %v (Req ID=%#v)",
		f.path, uint64(req.ID))

	request := newRequest(f.path, req.Header)
	request.Offset = req.Offset
	request.Size = req.Size

	data, err := f.server.service.hds.Read(ctx, request)
	if err != nil {
		return newIOerror(err)
	}

	resp.Data = data

	return nil
}

func newRequest(path string, hdr fuse.Header) *domain.HandlerRequest {

	return &domain.HandlerRequest{
		ID:   uint64(hdr.ID),
		Pid:  hdr.Pid,
		Uid:  hdr.Uid,
		Gid:  hdr.Gid,
		Path: path,
	}
}

// recordToAttr converts a store attribute record into its FUSE counterpart.
func recordToAttr(rec *domain.AttributeRecord) fuse.Attr {

	return fuse.Attr{
		Valid:  0,
		Size:   rec.Size,
		Blocks: (rec.Size + 511) / 512,
		Atime:  rec.AccessTime(),
		Mtime:  rec.ModifyTime(),
		Ctime:  rec.ChangeTime(),
		Mode:   rec.FileMode(),
		Nlink:  uint32(rec.Nlink),
		Uid:    uint32(rec.Uid),
		Gid:    uint32(rec.Gid),
	}
}
