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
	"io/ioutil"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"bazil.org/fuse"
	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestybox/cachefs/cache"
	"github.com/nestybox/cachefs/domain"
	"github.com/nestybox/cachefs/handler"
	"github.com/nestybox/cachefs/keyspace"
	"github.com/nestybox/cachefs/store"
	"github.com/nestybox/cachefs/sysio"
)

const (
	root       = "http://origin.test"
	mountPoint = "/mnt/cachefs"
)

func TestMain(m *testing.M) {

	// Disable log generation during UT.
	logrus.SetOutput(ioutil.Discard)

	m.Run()
}

type testEnv struct {
	mr  *miniredis.Miniredis
	sts domain.StoreServiceIface
	ios domain.IOServiceIface
	fss *FuseServerService
	srv *fuseServer
}

func newTestEnv(t *testing.T) *testEnv {

	mr := miniredis.RunT(t)

	sts := store.NewStoreService(domain.StoreOptions{Address: mr.Addr()}, nil)
	require.NoError(t, sts.Connect())
	t.Cleanup(func() { sts.Close() })

	// Content cache and host fs are both memory-backed during UT.
	content := sysio.NewIOService(domain.IOMemFileService, "")
	host := sysio.NewIOService(domain.IOMemFileService, "")

	kt := keyspace.NewKeyTranslator(root)
	cs := cache.NewCacheService(domain.FetchEagain, nil, nil)
	hds := handler.NewHandlerService(kt, sts, cs, content, false, nil)

	fss := NewFuseServerService(host, hds, false)
	require.NoError(t, host.NewIOnode("", mountPoint, 0755).MkdirAll())

	srv := NewFuseServer(mountPoint, false, fss).(*fuseServer)
	require.NoError(t, srv.Create())

	mr.Set(root+"/docs"+store.DefaultAttrSuffix, "mode:16877,nlink:2,mtime:1600000000")
	mr.Push(root+"/docs"+store.DefaultListSuffix, "a.txt", "sub")
	mr.Set(root+"/docs/sub"+store.DefaultAttrSuffix, "mode:16877,nlink:2")
	mr.Set(root+"/docs/a.txt"+store.DefaultAttrSuffix,
		"atime:1,ctime:2,mtime:3,mode:33188,uid:1000,gid:1000,nlink:1,size:11,exists:1")
	require.NoError(t, content.NewIOnode("", "/origin.test/docs/a.txt", 0644).
		WriteFile([]byte("hello world")))

	return &testEnv{mr: mr, sts: sts, ios: host, fss: fss, srv: srv}
}

func (e *testEnv) file(path string) *File {
	return NewFile(path[strings.LastIndex(path, "/")+1:], path, &fuse.Attr{}, e.srv)
}

func (e *testEnv) dir(path string) *Dir {
	return NewDir(path[strings.LastIndex(path, "/")+1:], path, &fuse.Attr{}, e.srv)
}

func errnoOf(err error) fuse.Errno {

	var ioerr IOerror
	if errors.As(err, &ioerr) {
		return ioerr.Errno()
	}

	return 0
}

func TestFile_Attr(t *testing.T) {

	e := newTestEnv(t)

	var attr fuse.Attr
	require.NoError(t, e.file("/docs/a.txt").Attr(context.Background(), &attr))

	assert.Equal(t, time.Duration(0), attr.Valid)
	assert.Equal(t, uint64(11), attr.Size)
	assert.Equal(t, os.FileMode(0644), attr.Mode)
	assert.Equal(t, uint32(1), attr.Nlink)
	assert.Equal(t, uint32(1000), attr.Uid)
	assert.Equal(t, uint32(1000), attr.Gid)
	assert.Equal(t, time.Unix(1, 0), attr.Atime)
	assert.Equal(t, time.Unix(2, 0), attr.Ctime)
	assert.Equal(t, time.Unix(3, 0), attr.Mtime)

	err := e.file("/docs/none").Attr(context.Background(), &attr)
	assert.Equal(t, fuse.ENOENT, errnoOf(err))
}

func TestDir_RootAttr(t *testing.T) {

	e := newTestEnv(t)

	// No record for the url-root itself.
	var attr fuse.Attr
	require.NoError(t, e.srv.root.Attr(context.Background(), &attr))
	assert.Equal(t, os.ModeDir|os.FileMode(0555), attr.Mode)

	// A fresh mount lists as an empty directory.
	dirents, err := e.srv.root.ReadDirAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []fuse.Dirent{
		{Name: ".", Type: fuse.DT_Dir},
		{Name: "..", Type: fuse.DT_Dir},
	}, dirents)

	// Record present.
	e.mr.Set(root+store.DefaultAttrSuffix, "mode:16893,nlink:3")
	require.NoError(t, e.srv.root.Attr(context.Background(), &attr))
	assert.Equal(t, os.ModeDir|os.FileMode(0775), attr.Mode)
	assert.Equal(t, uint32(3), attr.Nlink)
}

func TestDir_Lookup(t *testing.T) {

	e := newTestEnv(t)
	d := e.dir("/docs")

	tests := []struct {
		name     string
		entry    string
		wantDir  bool
		wantErr  fuse.Errno
		wantPath string
	}{
		{"1", "a.txt", false, 0, "/docs/a.txt"},
		{"2", "sub", true, 0, "/docs/sub"},
		{"3", "none", false, fuse.ENOENT, ""},
		{"4", "._a.txt", false, fuse.ENOENT, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &fuse.LookupRequest{Name: tt.entry}
			resp := &fuse.LookupResponse{EntryValid: time.Minute}

			node, err := d.Lookup(context.Background(), req, resp)
			if tt.wantErr != 0 {
				assert.Equal(t, tt.wantErr, errnoOf(err))
				assert.Nil(t, node)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, time.Duration(0), resp.EntryValid)

			if tt.wantDir {
				dir, ok := node.(*Dir)
				require.True(t, ok)
				assert.Equal(t, tt.wantPath, dir.path)
				assert.True(t, dir.attr.Mode.IsDir())
			} else {
				file, ok := node.(*File)
				require.True(t, ok)
				assert.Equal(t, tt.wantPath, file.path)
				assert.Equal(t, uint64(11), file.attr.Size)
			}
		})
	}
}

func TestDir_ReadDirAll(t *testing.T) {

	e := newTestEnv(t)

	dirents, err := e.dir("/docs").ReadDirAll(context.Background())
	require.NoError(t, err)

	want := []fuse.Dirent{
		{Name: ".", Type: fuse.DT_Dir},
		{Name: "..", Type: fuse.DT_Dir},
		{Name: "a.txt", Type: fuse.DT_Unknown},
		{Name: "sub", Type: fuse.DT_Unknown},
	}
	assert.Equal(t, want, dirents)

	// Directory with no children.
	dirents, err = e.dir("/docs/sub").ReadDirAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, dirents, 2)

	// The store answers absent listings as empty ones.
	dirents, err = e.dir("/none").ReadDirAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, dirents, 2)

	// Only a failing store call makes the listing unavailable.
	e.mr.Close()
	_, err = e.dir("/docs").ReadDirAll(context.Background())
	assert.Equal(t, fuse.ENOENT, errnoOf(err))
}

func TestFile_Open(t *testing.T) {

	e := newTestEnv(t)

	tests := []struct {
		name    string
		path    string
		flags   fuse.OpenFlags
		wantErr fuse.Errno
	}{
		{"1", "/docs/a.txt", fuse.OpenReadOnly, 0},
		{"2", "/docs/a.txt", fuse.OpenWriteOnly, fuse.Errno(syscall.EACCES)},
		{"3", "/docs/a.txt", fuse.OpenReadWrite, fuse.Errno(syscall.EACCES)},
		{"4", "/docs/a.txt", fuse.OpenReadOnly | fuse.OpenTruncate, fuse.Errno(syscall.EACCES)},
		{"5", "/docs/none", fuse.OpenReadOnly, fuse.ENOENT},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := e.file(tt.path)
			resp := &fuse.OpenResponse{}

			h, err := f.Open(context.Background(), &fuse.OpenRequest{Flags: tt.flags}, resp)
			if tt.wantErr != 0 {
				assert.Equal(t, tt.wantErr, errnoOf(err))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, f, h)
			assert.NotZero(t, resp.Flags&fuse.OpenDirectIO)
		})
	}
}

func TestDir_Open(t *testing.T) {

	e := newTestEnv(t)

	// Root is always accessible.
	h, err := e.srv.root.Open(context.Background(),
		&fuse.OpenRequest{Dir: true, Flags: fuse.OpenReadOnly}, &fuse.OpenResponse{})
	require.NoError(t, err)
	assert.Equal(t, e.srv.root, h)

	d := e.dir("/docs")
	h, err = d.Open(context.Background(),
		&fuse.OpenRequest{Dir: true, Flags: fuse.OpenReadOnly}, &fuse.OpenResponse{})
	require.NoError(t, err)
	assert.Equal(t, d, h)

	_, err = e.dir("/none").Open(context.Background(),
		&fuse.OpenRequest{Dir: true, Flags: fuse.OpenReadOnly}, &fuse.OpenResponse{})
	assert.Equal(t, fuse.ENOENT, errnoOf(err))
}

func TestFile_Read(t *testing.T) {

	e := newTestEnv(t)
	f := e.file("/docs/a.txt")

	tests := []struct {
		name   string
		offset int64
		size   int
		want   string
	}{
		{"1", 0, 4096, "hello world"},
		{"2", 6, 3, "wor"},
		{"3", 11, 10, ""},
		{"4", 9, 10, "ld"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &fuse.ReadResponse{}
			err := f.Read(context.Background(),
				&fuse.ReadRequest{Offset: tt.offset, Size: tt.size}, resp)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(resp.Data))
		})
	}

	// Entry pending a fetch under the "eagain" policy.
	e.mr.Set(root+"/docs/b.txt"+store.DefaultAttrSuffix, "mode:33188,size:5,exists:0")

	err := e.file("/docs/b.txt").Read(context.Background(),
		&fuse.ReadRequest{Size: 5}, &fuse.ReadResponse{})
	assert.Equal(t, fuse.Errno(syscall.EAGAIN), errnoOf(err))
}

func Test_newIOerror(t *testing.T) {

	assert.Nil(t, newIOerror(nil))

	err := newIOerror(syscall.EACCES)
	assert.Equal(t, fuse.Errno(syscall.EACCES), errnoOf(err))
	assert.True(t, errors.Is(err, syscall.EACCES))

	err = newIOerror(errors.New("unexpected"))
	assert.Equal(t, fuse.EIO, errnoOf(err))
	assert.Equal(t, "unexpected", err.Error())
}

func Test_fuseServer_Create(t *testing.T) {

	e := newTestEnv(t)

	// Missing mountpoint.
	srv := NewFuseServer("/mnt/none", false, e.fss)
	assert.Error(t, srv.Create())

	// Mountpoint not being a directory.
	require.NoError(t, e.ios.NewIOnode("", "/mnt/file", 0644).WriteFile([]byte("x")))
	srv = NewFuseServer("/mnt/file", false, e.fss)
	assert.Error(t, srv.Create())

	assert.Equal(t, mountPoint, e.srv.MountPoint())
	assert.Equal(t, "/", e.srv.root.path)

	node, err := e.srv.Root()
	require.NoError(t, err)
	assert.Equal(t, e.srv.root, node)
}

func Test_fuseServer_mountOptions(t *testing.T) {

	e := newTestEnv(t)
	assert.Len(t, e.srv.mountOptions(), 4)

	e.fss.allowOther = true
	assert.Len(t, e.srv.mountOptions(), 5)
}

func Test_fuseServer_Destroy(t *testing.T) {

	e := newTestEnv(t)

	tmp, err := e.ios.TempDir(DefaultMountDir, DefaultMountPrefix)
	require.NoError(t, err)

	// Never-mounted servers only clean up their temporary mountpoint.
	srv := NewFuseServer(tmp, true, e.fss)
	require.NoError(t, srv.Create())
	require.NoError(t, srv.Destroy())

	_, err = e.ios.NewIOnode("", tmp, 0).Stat()
	assert.True(t, os.IsNotExist(err))

	// Given mountpoints are left in place.
	require.NoError(t, e.srv.Destroy())
	_, err = e.ios.NewIOnode("", mountPoint, 0).Stat()
	assert.NoError(t, err)
}

func TestFuseServerService_prepareMountPoint(t *testing.T) {

	e := newTestEnv(t)

	mp, tmp, err := e.fss.prepareMountPoint("")
	require.NoError(t, err)
	assert.True(t, tmp)
	assert.True(t, strings.HasPrefix(mp, DefaultMountDir+"/"+DefaultMountPrefix))

	fi, err := e.ios.NewIOnode("", mp, 0).Stat()
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	e.fss.cleanupMountPoint(mp, tmp)
	_, err = e.ios.NewIOnode("", mp, 0).Stat()
	assert.True(t, os.IsNotExist(err))

	mp, tmp, err = e.fss.prepareMountPoint("/mnt/other")
	require.NoError(t, err)
	assert.False(t, tmp)
	assert.Equal(t, "/mnt/other", mp)

	fi, err = e.ios.NewIOnode("", mp, 0).Stat()
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestFuseServerService_DestroyFuseService(t *testing.T) {

	e := newTestEnv(t)

	assert.Empty(t, e.fss.FuseServers())
	assert.NoError(t, e.fss.DestroyFuseServer("/mnt/unknown"))

	require.True(t, e.sts.IsConnected())
	require.NoError(t, e.fss.DestroyFuseService())
	assert.False(t, e.sts.IsConnected())

	// Teardown happens once.
	require.NoError(t, e.fss.DestroyFuseService())
}
