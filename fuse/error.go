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
	"syscall"

	"bazil.org/fuse"
)

// IOerror carries the errno of a failed filesystem operation back to the
// kernel. By implementing bazil's fuse.ErrorNumber interface, dispatcher
// outcomes can be returned to bazil-fuse without any further translation.
type IOerror struct {
	RcvError error
	Code     syscall.Errno
	Message  string
}

func (e IOerror) Error() string {
	return e.Message
}

// Method requested by fuse.ErrorNumber interface.
func (e IOerror) Errno() fuse.Errno {
	return fuse.Errno(e.Code)
}

func (e IOerror) Unwrap() error {
	return e.RcvError
}

// newIOerror converts a dispatcher error into an IOerror. Errors other than
// syscall.Errno values are not expected at this point and are reported as
// EIO.
func newIOerror(err error) error {

	if err == nil {
		return nil
	}

	code, ok := err.(syscall.Errno)
	if !ok {
		code = syscall.EIO
	}

	return IOerror{
		RcvError: err,
		Code:     code,
		Message:  err.Error(),
	}
}
