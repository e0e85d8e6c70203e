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
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nestybox/cachefs/domain"
)

// Location and name-prefix of the mountpoints created when none is provided.
const (
	DefaultMountDir    = "/var/tmp"
	DefaultMountPrefix = "cloudlet-cachefs-"
)

// Ensure FuseServerService implements its domain interface.
var _ domain.FuseServerServiceIface = (*FuseServerService)(nil)

type FuseServerService struct {
	sync.RWMutex                            // servers map protection
	serversMap   map[string]*fuseServer     // tracks created fuse-servers
	ios          domain.IOServiceIface      // host-fs i/o service (mountpoints)
	hds          domain.HandlerServiceIface // handler service pointer
	allowOther   bool                       // mount with 'allow_other'
	destroyOnce  sync.Once
	destroyErr   error
}

// FuseServerService constructor.
func NewFuseServerService(
	ios domain.IOServiceIface,
	hds domain.HandlerServiceIface,
	allowOther bool) *FuseServerService {

	newServerService := &FuseServerService{
		serversMap: make(map[string]*fuseServer),
		ios:        ios,
		hds:        hds,
		allowOther: allowOther,
	}

	return newServerService
}

// FuseServerService destructor. Unmounts every fuse-server and closes the
// store connection. Teardown runs once; subsequent calls return the outcome
// of the first one.
func (fss *FuseServerService) DestroyFuseService() error {

	fss.destroyOnce.Do(func() {
		var result *multierror.Error

		for _, srv := range fss.FuseServers() {
			if err := fss.DestroyFuseServer(srv.MountPoint()); err != nil {
				result = multierror.Append(result, err)
			}
		}

		if err := fss.hds.StoreService().Close(); err != nil {
			result = multierror.Append(result,
				errors.Wrap(err, "could not close store connection"))
		}

		fss.destroyErr = result.ErrorOrNil()
	})

	return fss.destroyErr
}

// Creates new fuse-server. An empty mountpoint results in a temporary one
// being created (and eliminated at destruction time). The call returns once
// the file-system is mounted and being served.
func (fss *FuseServerService) CreateFuseServer(mp string) (domain.FuseServerIface, error) {

	mp, tmpMount, err := fss.prepareMountPoint(mp)
	if err != nil {
		return nil, err
	}

	// Ensure no fuse-server already exists for this mountpoint.
	fss.RLock()
	if _, ok := fss.serversMap[mp]; ok {
		fss.RUnlock()
		logrus.Errorf("FuseServer to create is already present for mountpoint %s", mp)
		return nil, errors.New("FuseServer already present")
	}
	fss.RUnlock()

	srv := NewFuseServer(mp, tmpMount, fss).(*fuseServer)

	// Create new fuse-server.
	if err := srv.Create(); err != nil {
		fss.cleanupMountPoint(mp, tmpMount)
		return nil, errors.Wrap(err, "FuseServer initialization error")
	}

	// Launch fuse-server in a separate goroutine and wait for 'ack' before
	// moving on.
	go srv.Run()
	if err := srv.InitWait(); err != nil {
		fss.cleanupMountPoint(mp, tmpMount)
		return nil, errors.Wrapf(err, "could not mount cachefs at %s", mp)
	}

	// Store newly created fuse-server.
	fss.Lock()
	fss.serversMap[mp] = srv
	fss.Unlock()

	return srv, nil
}

// Destroy a fuse-server.
func (fss *FuseServerService) DestroyFuseServer(mp string) error {

	// Ensure fuse-server to eliminate is present.
	fss.RLock()
	srv, ok := fss.serversMap[mp]
	if !ok {
		fss.RUnlock()
		logrus.Errorf("FuseServer to destroy is not present for mountpoint %s", mp)
		return nil
	}
	fss.RUnlock()

	// Destroy fuse-server.
	if err := srv.Destroy(); err != nil {
		logrus.Errorf("FuseServer to destroy could not be eliminated for mountpoint %s",
			mp)
		return errors.Wrapf(err, "could not destroy fuse-server at %s", mp)
	}

	// Update state.
	fss.Lock()
	delete(fss.serversMap, mp)
	fss.Unlock()

	return nil
}

func (fss *FuseServerService) FuseServers() []domain.FuseServerIface {

	fss.RLock()
	defer fss.RUnlock()

	servers := make([]domain.FuseServerIface, 0, len(fss.serversMap))
	for _, srv := range fss.serversMap {
		servers = append(servers, srv)
	}

	return servers
}

// prepareMountPoint returns the mountpoint to serve the store at, creating it
// if needed. The second return value reports whether the mountpoint is a
// temporary one.
func (fss *FuseServerService) prepareMountPoint(mp string) (string, bool, error) {

	if mp == "" {
		tmp, err := fss.ios.TempDir(DefaultMountDir, DefaultMountPrefix)
		if err != nil {
			return "", false, errors.Wrap(err, "could not create mountpoint")
		}
		return tmp, true, nil
	}

	node := fss.ios.NewIOnode("", mp, 0755)
	if err := node.MkdirAll(); err != nil {
		return "", false, errors.Wrapf(err, "invalid mountpoint %s", mp)
	}

	return mp, false, nil
}

func (fss *FuseServerService) cleanupMountPoint(mp string, tmpMount bool) {

	if !tmpMount {
		return
	}

	if err := fss.ios.NewIOnode("", mp, 0).Remove(); err != nil {
		logrus.Warnf("Temporary mountpoint %s could not be eliminated: %v", mp, err)
	}
}
