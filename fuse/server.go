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
	"fmt"
	"os"
	"sync"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/cachefs/domain"
)

// FuseServer class in charge of running/hosting cachefs' FUSE server features.
type fuseServer struct {
	sync.RWMutex                    // server state protection
	mountPoint   string             // mountpoint where the store is exposed
	tmpMount     bool               // mountpoint created by cachefs itself
	conn         *fuse.Conn         // bazil-fuse connection
	server       *fs.Server         // bazil-fuse server instance
	root         *Dir               // root node of fuse fs
	initDone     chan error         // sync-up channel to alert about fuse-server's init-completion
	serveDone    chan struct{}      // closed once the serving loop exits
	service      *FuseServerService // backpointer to parent service
}

func NewFuseServer(
	mountpoint string,
	tmpMount bool,
	service *FuseServerService) domain.FuseServerIface {

	srv := &fuseServer{
		mountPoint: mountpoint,
		tmpMount:   tmpMount,
		service:    service,
	}

	return srv
}

func (s *fuseServer) Create() error {

	// Verify the existence of the requested mountpoint in the host FS.
	mountPointIOnode := s.service.ios.NewIOnode("", s.mountPoint, 0)
	info, err := mountPointIOnode.Stat()
	if err != nil {
		if os.IsNotExist(err) {
			logrus.Errorf("File-System mountpoint not found: %v", s.mountPoint)
		} else {
			logrus.Errorf("File-System mountpoint not accessible: %v", s.mountPoint)
		}
		return err
	}
	if !info.IsDir() {
		logrus.Errorf("File-System mountpoint is not a directory: %v", s.mountPoint)
		return fmt.Errorf("mountpoint %v is not a directory", s.mountPoint)
	}

	// Attributes served for the root node when the url-root carries no record
	// of its own.
	attr := fuse.Attr{
		Mode:  os.ModeDir | os.FileMode(0555),
		Nlink: 2,
		Atime: info.ModTime(),
		Mtime: info.ModTime(),
		Ctime: info.ModTime(),
	}

	// Build cachefs top-most directory (root).
	s.root = NewDir("/", "/", &attr, s)

	// Initialize pending members.
	s.initDone = make(chan error, 1)
	s.serveDone = make(chan struct{})

	return nil
}

// mountOptions returns the options the store is mounted with: read-only, no
// kernel-side caching of file content and permission checks carried out by
// the kernel based on the attributes reported by the store.
func (s *fuseServer) mountOptions() []fuse.MountOption {

	opts := []fuse.MountOption{
		fuse.FSName(fmt.Sprintf("cachefs#%d", os.Getpid())),
		fuse.Subtype("cachefs"),
		fuse.DefaultPermissions(),
		fuse.ReadOnly(),
	}

	// The "AllowOther" flag allows unprivileged users to access the resources
	// exposed on this mountpoint.
	if s.service.allowOther {
		opts = append(opts, fuse.AllowOther())
	}

	return opts
}

func (s *fuseServer) Run() error {

	defer close(s.serveDone)

	// Creating a FUSE mount at the requested mountpoint.
	c, err := fuse.Mount(s.mountPoint, s.mountOptions()...)
	if err != nil {
		logrus.Errorf("FUSE file-system could not be mounted at %v: %v",
			s.mountPoint, err)
		s.initDone <- err
		return err
	}

	// Deferred routine to enforce a clean exit should an unrecoverable error is
	// ever returned from fuse-lib.
	defer c.Close()

	// Creating a FUSE server to drive kernel interactions.
	var config *fs.Config
	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		config = &fs.Config{
			Debug: func(msg interface{}) { logrus.Debug(msg) },
		}
	}

	s.Lock()
	s.conn = c
	s.server = fs.New(c, config)
	s.Unlock()

	// At this point we are done with fuse-server initialization, so let's
	// caller know about it.
	s.initDone <- nil

	logrus.Infof("Serving cachefs at %v", s.mountPoint)

	// Launch fuse-server's main-loop to handle incoming requests.
	if err := s.server.Serve(s); err != nil {
		logrus.Errorf("FUSE file-system serving loop failed: %v", err)
		return err
	}

	return nil
}

// Destroy unmounts the file-system and eliminates the mountpoint if this one
// was created by cachefs.
func (s *fuseServer) Destroy() error {

	// Unmount cachefs from mountpoint.
	if err := s.Unmount(); err != nil {
		return err
	}

	// Wait for the serving loop to complete, if ever started.
	s.RLock()
	started := s.server != nil
	s.RUnlock()
	if started {
		<-s.serveDone
	}

	if s.tmpMount {
		node := s.service.ios.NewIOnode("", s.mountPoint, 0)
		if err := node.Remove(); err != nil {
			logrus.Errorf("FUSE mountpoint %v could not be eliminated: %v",
				s.mountPoint, err)
			return err
		}
	}

	// Unset pointers for GC purposes.
	s.Lock()
	s.conn = nil
	s.server = nil
	s.root = nil
	s.Unlock()

	return nil
}

// Root method. This is a Bazil-FUSE-lib requirement. Function returns
// cachefs' root-node.
func (s *fuseServer) Root() (fs.Node, error) {

	return s.root, nil
}

// Ensure that fuse-server initialization is completed before moving on.
func (s *fuseServer) InitWait() error {
	return <-s.initDone
}

// Wait blocks until the serving loop exits, which happens once the
// file-system is unmounted.
func (s *fuseServer) Wait() {
	<-s.serveDone
}

func (s *fuseServer) MountPoint() string {

	return s.mountPoint
}

// Unmount detaches the file-system from its mountpoint. Busy mounts are
// lazily detached.
func (s *fuseServer) Unmount() error {

	s.RLock()
	mounted := s.conn != nil
	s.RUnlock()

	if !mounted {
		return nil
	}

	err := fuse.Unmount(s.mountPoint)
	if err == nil {
		return nil
	}

	logrus.Warnf("FUSE file-system could not be unmounted (%v), detaching it", err)

	if err := unix.Unmount(s.mountPoint, unix.MNT_DETACH); err != nil &&
		!errors.Is(err, unix.EINVAL) {
		logrus.Errorf("FUSE file-system could not be detached from %v: %v",
			s.mountPoint, err)
		return err
	}

	return nil
}
