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
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/nestybox/cachefs/domain"
)

// NewIOService constructs the I/O service through which the content cache is
// accessed. For IOOsFileService the service is rooted at the given content
// cache directory; IOMemFileService ignores it and operates over a
// memory-based FS.
func NewIOService(t domain.IOServiceType, root string) domain.IOServiceIface {

	switch t {

	case domain.IOOsFileService:
		return &ioFileService{
			fsType: t,
			appFs:  afero.NewBasePathFs(afero.NewOsFs(), root),
			root:   root,
		}

	case domain.IOMemFileService:
		return &ioFileService{
			fsType: t,
			appFs:  afero.NewMemMapFs(),
			root:   "/",
		}

	default:
		logrus.Panicf("Unsupported ioService required: %v", t)
	}

	return nil
}
