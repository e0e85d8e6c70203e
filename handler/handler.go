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

package handler

import (
	"context"
	"path"
	"strings"
	"sync/atomic"
	"syscall"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/cachefs/codec"
	"github.com/nestybox/cachefs/domain"
	"github.com/nestybox/cachefs/metrics"
)

// Ensure handlerService implements the dispatcher interface.
var _ domain.HandlerServiceIface = (*handlerService)(nil)

// Names probed by desktop environments and shells right after a mount. None of
// them is ever expected to be present at the top of the store. A trailing "*"
// turns an entry into a prefix pattern.
var DefaultProbeFilter = []string{
	".Trash",
	".Trash-1000",
	".xdg-volume-info",
	"autorun.inf",
	".hidden",
	"mach_kernel",
	"._*",
}

type handlerService struct {
	kt           domain.KeyTranslatorIface
	sts          domain.StoreServiceIface
	cs           domain.CacheServiceIface
	ios          domain.IOServiceIface
	strictErrors bool
	probes       atomic.Value // *iradix.Tree
	metrics      *metrics.Metrics
}

func NewHandlerService(
	kt domain.KeyTranslatorIface,
	sts domain.StoreServiceIface,
	cs domain.CacheServiceIface,
	ios domain.IOServiceIface,
	strictErrors bool,
	m *metrics.Metrics) domain.HandlerServiceIface {

	hs := &handlerService{
		kt:           kt,
		sts:          sts,
		cs:           cs,
		ios:          ios,
		strictErrors: strictErrors,
		metrics:      m,
	}

	hs.SetProbeFilter(nil)

	return hs
}

// SetProbeFilter replaces the set of names short-circuited with ENOENT. Names
// only match entries placed directly under the mount root, and they match
// exactly unless they end with "*", in which case the remainder is a prefix.
// Leading slashes are ignored.
func (hs *handlerService) SetProbeFilter(patterns []string) {

	txn := iradix.New().Txn()

	for _, p := range patterns {
		p = strings.TrimLeft(p, "/")
		prefix := strings.HasSuffix(p, "*")
		p = strings.TrimSuffix(p, "*")
		if p == "" {
			continue
		}
		// A prefix pattern wins over an exact one for the same name.
		if v, ok := txn.Get([]byte(p)); ok && v.(bool) {
			continue
		}
		txn.Insert([]byte(p), prefix)
	}

	hs.probes.Store(txn.Commit())
}

func (hs *handlerService) IsProbe(p string) bool {

	p = path.Clean("/" + p)
	if p == "/" || path.Dir(p) != "/" {
		return false
	}

	tree := hs.probes.Load().(*iradix.Tree)
	if tree.Len() == 0 {
		return false
	}

	name := []byte(path.Base(p))

	var match bool
	tree.Root().WalkPath(name, func(k []byte, v interface{}) bool {
		match = v.(bool) || len(k) == len(name)
		return match
	})

	return match
}

// Getattr returns the attributes of the entry at req.Path. Attributes are
// served regardless of the entry's cache state.
func (hs *handlerService) Getattr(req *domain.HandlerRequest) (rec *domain.AttributeRecord, err error) {

	defer func() { hs.record("getattr", err) }()

	rec, _, err = hs.lookup(req)
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// ReadDirAll returns the "." and ".." entries followed by the children held by
// the store for req.Path, in store order. Any listing the store answers, empty
// ones included, stands for an existing directory.
func (hs *handlerService) ReadDirAll(req *domain.HandlerRequest) (names []string, err error) {

	defer func() { hs.record("readdir", err) }()

	if hs.IsProbe(req.Path) {
		return nil, syscall.ENOENT
	}

	key := hs.kt.Translate(req.Path)

	children, err := hs.sts.GetChildren(key)
	if err != nil {
		logrus.WithFields(logrus.Fields{"path": req.Path, "key": key}).
			Debugf("readdir failed: %v", err)
		return nil, hs.errno(err)
	}

	names = make([]string, 0, len(children)+2)
	names = append(names, ".", "..")
	names = append(names, children...)

	return names, nil
}

// Open admits read-only opens of entries known to the store.
func (hs *handlerService) Open(req *domain.HandlerRequest) (err error) {

	defer func() { hs.record("open", err) }()

	if hs.IsProbe(req.Path) {
		return syscall.ENOENT
	}

	key := hs.kt.Translate(req.Path)

	ok, err := hs.sts.Exists(key)
	if err != nil {
		return hs.errno(err)
	}
	if !ok {
		return syscall.ENOENT
	}

	if req.Flags&unix.O_ACCMODE != unix.O_RDONLY ||
		req.Flags&(unix.O_TRUNC|unix.O_APPEND|unix.O_CREAT) != 0 {
		return syscall.EACCES
	}

	return nil
}

// Read returns up to req.Size bytes of the entry at req.Path starting at
// req.Offset. Reads are bounded by the size reported by the store; reads at or
// beyond it return no data.
func (hs *handlerService) Read(
	ctx context.Context,
	req *domain.HandlerRequest) (data []byte, err error) {

	defer func() { hs.record("read", err) }()

	rec, key, err := hs.lookup(req)
	if err != nil {
		return nil, err
	}

	if req.Offset < 0 {
		return nil, syscall.EINVAL
	}

	off := uint64(req.Offset)
	if off >= rec.Size || req.Size <= 0 {
		return []byte{}, nil
	}

	length := uint64(req.Size)
	if length > rec.Size-off {
		length = rec.Size - off
	}

	cls := hs.cs.Classify(rec)

	if cls.State == domain.CacheLocal {
		return hs.readLocal(key, off, length)
	}

	return hs.readRemote(ctx, key, rec, off, length)
}

func (hs *handlerService) StoreService() domain.StoreServiceIface {
	return hs.sts
}

func (hs *handlerService) CacheService() domain.CacheServiceIface {
	return hs.cs
}

func (hs *handlerService) IOService() domain.IOServiceIface {
	return hs.ios
}

func (hs *handlerService) KeyTranslator() domain.KeyTranslatorIface {
	return hs.kt
}

// lookup resolves and decodes the attribute record of the requested path.
func (hs *handlerService) lookup(
	req *domain.HandlerRequest) (*domain.AttributeRecord, domain.StoreKey, error) {

	if hs.IsProbe(req.Path) {
		return nil, "", syscall.ENOENT
	}

	key := hs.kt.Translate(req.Path)

	blob, err := hs.sts.GetAttributes(key)
	if err != nil {
		logrus.WithFields(logrus.Fields{"path": req.Path, "key": key}).
			Debugf("getattr failed: %v", err)
		return nil, key, hs.errno(err)
	}

	rec, err := codec.Decode(blob)
	if err != nil {
		logrus.WithFields(logrus.Fields{"path": req.Path, "key": key}).
			Warnf("Discarding attribute record: %v", err)
		return nil, key, hs.errno(err)
	}

	return rec, key, nil
}

func (hs *handlerService) readLocal(key domain.StoreKey, off, length uint64) ([]byte, error) {

	p := hs.kt.ContentPath(key)
	node := hs.ios.NewIOnode(path.Base(p), p, 0)

	if err := node.Open(); err != nil {
		logrus.WithFields(logrus.Fields{"key": key, "content": p}).
			Warnf("Cached content not accessible: %v", err)
		return nil, syscall.EIO
	}
	defer node.Close()

	buf := make([]byte, length)

	n, err := node.ReadAt(buf, int64(off))
	if err != nil {
		logrus.WithFields(logrus.Fields{"key": key, "content": p}).
			Warnf("Cached content read failed: %v", err)
		return nil, syscall.EIO
	}

	return buf[:n], nil
}

func (hs *handlerService) readRemote(
	ctx context.Context,
	key domain.StoreKey,
	rec *domain.AttributeRecord,
	off uint64,
	length uint64) ([]byte, error) {

	// Content may already be materialized (e.g. by an earlier fetch) even
	// though the store has not been updated yet.
	p := hs.kt.ContentPath(key)
	node := hs.ios.NewIOnode(path.Base(p), p, 0)
	if fi, err := node.Stat(); err == nil && !fi.IsDir() && uint64(fi.Size()) == rec.Size {
		return hs.readLocal(key, off, length)
	}

	fetcher := hs.cs.Fetcher()
	if hs.cs.Policy() == domain.FetchEagain || fetcher == nil {
		return nil, syscall.EAGAIN
	}

	data, err := fetcher.Fetch(ctx, key, rec)
	if err != nil {
		logrus.WithFields(logrus.Fields{"key": key}).Warnf("Fetch failed: %v", err)
		return nil, syscall.EIO
	}

	if off >= uint64(len(data)) {
		return []byte{}, nil
	}

	end := off + length
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}

	return data[off:end], nil
}

// errno folds store failures into their filesystem outcome. Everything maps to
// ENOENT except transport failures when strict errors are requested.
func (hs *handlerService) errno(err error) syscall.Errno {

	if errno, ok := err.(syscall.Errno); ok {
		return errno
	}

	if hs.strictErrors && domain.ErrorKindOf(err) == domain.KindTransport {
		return syscall.EIO
	}

	return syscall.ENOENT
}

func (hs *handlerService) record(op string, err error) {

	if hs.metrics == nil {
		return
	}

	if errno, ok := err.(syscall.Errno); ok {
		hs.metrics.RecordOperation(op, unix.ErrnoName(errno))
		return
	}

	hs.metrics.RecordOperation(op, "")
}
