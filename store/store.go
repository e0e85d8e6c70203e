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

// Package store implements cachefs' metadata-store client: a redis server
// reached through a single connection whose commands are serialized by one
// lock.
package store

import (
	"sync"
	"time"

	"github.com/mediocregopher/radix/v3"
	"github.com/mediocregopher/radix/v3/resp/resp2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nestybox/cachefs/domain"
	"github.com/nestybox/cachefs/metrics"
)

// Ensure storeService implements StoreService interface.
var _ domain.StoreServiceIface = (*storeService)(nil)

const (
	// Default suffixes appended to store keys to select the record kind.
	DefaultAttrSuffix = "α" // α -- attribute blob (string value)
	DefaultListSuffix = "β" // β -- directory listing (list value)

	// Default connect/command timeout.
	DefaultTimeout = 1500 * time.Millisecond
)

// Labels utilized for store-command instrumentation.
const (
	opExists        = "exists"
	opGetAttributes = "get_attributes"
	opGetChildren   = "get_children"
	opSetAttributes = "set_attributes"
	opSetChildren   = "set_children"
)

type storeService struct {
	sync.Mutex                     // conn protection -- serializes all commands
	conn       radix.Conn          // nil when not connected
	opts       domain.StoreOptions // connection settings
	metrics    *metrics.Metrics    // nil-safe instrumentation
}

// NewStoreService constructor. No connection is established until Connect()
// is invoked.
func NewStoreService(opts domain.StoreOptions, m *metrics.Metrics) domain.StoreServiceIface {

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.AttrSuffix == "" {
		opts.AttrSuffix = DefaultAttrSuffix
	}
	if opts.ListSuffix == "" {
		opts.ListSuffix = DefaultListSuffix
	}

	return &storeService{
		opts:    opts,
		metrics: m,
	}
}

// Connect establishes the store connection and verifies its liveness through
// a PING command. Connect and command timeouts are bounded by opts.Timeout.
func (s *storeService) Connect() error {

	s.Lock()
	defer s.Unlock()

	if s.conn != nil {
		return nil
	}

	dialOpts := []radix.DialOpt{radix.DialTimeout(s.opts.Timeout)}
	if s.opts.Password != "" {
		dialOpts = append(dialOpts, radix.DialAuthPass(s.opts.Password))
	}
	if s.opts.DB != 0 {
		dialOpts = append(dialOpts, radix.DialSelectDB(s.opts.DB))
	}

	conn, err := radix.Dial("tcp", s.opts.Address, dialOpts...)
	if err != nil {
		return domain.NewStoreError(domain.KindTransport, "connect", "",
			errors.Wrapf(err, "could not connect to %s", s.opts.Address))
	}

	var pong string
	if err := conn.Do(radix.Cmd(&pong, "PING")); err != nil || pong == "" {
		conn.Close()
		if err == nil {
			err = errors.New("empty PING reply")
		}
		return domain.NewStoreError(domain.KindTransport, "connect", "",
			errors.Wrapf(err, "store at %s not responding", s.opts.Address))
	}

	s.conn = conn

	logrus.Infof("Connected to metadata store at %s", s.opts.Address)

	return nil
}

// Close tears down the store connection. Subsequent calls are no-ops.
func (s *storeService) Close() error {

	s.Lock()
	defer s.Unlock()

	if s.conn == nil {
		return nil
	}

	err := s.conn.Close()
	s.conn = nil

	logrus.Infof("Disconnected from metadata store at %s", s.opts.Address)

	return err
}

func (s *storeService) IsConnected() bool {

	s.Lock()
	defer s.Unlock()

	return s.conn != nil
}

// Exists reports whether an attribute record is present for the given key.
func (s *storeService) Exists(key domain.StoreKey) (bool, error) {

	var n int

	err := s.do(opExists, key, radix.Cmd(&n, "EXISTS", s.attrKey(key)))
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// GetAttributes returns the raw attribute blob of the given key. Keys absent
// from the store (or holding an empty or non-string value) are reported as
// domain.ErrNotFound.
func (s *storeService) GetAttributes(key domain.StoreKey) ([]byte, error) {

	var buf []byte
	mn := radix.MaybeNil{Rcv: &buf}

	err := s.do(opGetAttributes, key, radix.Cmd(&mn, "GET", s.attrKey(key)))
	if err != nil {
		if rerr, ok := replyError(err); ok {
			return nil, domain.NewStoreError(
				domain.KindNotFound, opGetAttributes, string(key), rerr)
		}
		return nil, err
	}

	if mn.Nil || len(buf) == 0 {
		return nil, domain.NewStoreError(
			domain.KindNotFound, opGetAttributes, string(key), nil)
	}

	return buf, nil
}

// GetChildren returns the ordered list of entry names held under the given
// key. Keys absent from the store, or holding a non-list value, produce an
// empty listing.
func (s *storeService) GetChildren(key domain.StoreKey) ([]string, error) {

	var children []string

	err := s.do(opGetChildren, key,
		radix.Cmd(&children, "LRANGE", s.listKey(key), "0", "-1"))
	if err != nil {
		if rerr, ok := replyError(err); ok {
			logrus.Debugf("No list value for key %s: %v", key, rerr)
			return []string{}, nil
		}
		return nil, err
	}

	if children == nil {
		children = []string{}
	}

	return children, nil
}

// SetAttributes stores the attribute blob of the given key.
func (s *storeService) SetAttributes(key domain.StoreKey, attrs []byte) error {

	return s.do(opSetAttributes, key,
		radix.FlatCmd(nil, "SET", s.attrKey(key), attrs))
}

// SetChildren atomically replaces the directory listing of the given key.
func (s *storeService) SetChildren(key domain.StoreKey, children []string) error {

	listKey := s.listKey(key)

	cmds := []radix.CmdAction{
		radix.Cmd(nil, "MULTI"),
		radix.Cmd(nil, "DEL", listKey),
	}
	if len(children) > 0 {
		args := append([]string{listKey}, children...)
		cmds = append(cmds, radix.Cmd(nil, "RPUSH", args...))
	}
	cmds = append(cmds, radix.Cmd(nil, "EXEC"))

	return s.do(opSetChildren, key, radix.Pipeline(cmds...))
}

// do executes a single store round-trip while holding the connection lock.
// Failures are classified as NotConnected (no round-trip attempted), or as
// Transport (anything reported by the underlying connection, redis error
// replies included -- callers decide how to interpret the latter).
func (s *storeService) do(op string, key domain.StoreKey, a radix.Action) error {

	start := time.Now()

	s.Lock()
	if s.conn == nil {
		s.Unlock()
		s.metrics.RecordStoreCommand(op, "not_connected", time.Since(start))
		return domain.NewStoreError(domain.KindNotConnected, op, string(key), nil)
	}
	err := s.conn.Do(a)
	s.Unlock()

	if _, ok := replyError(err); ok {
		s.metrics.RecordStoreCommand(op, "reply_error", time.Since(start))
		return domain.NewStoreError(domain.KindTransport, op, string(key), err)
	}
	if err != nil {
		s.metrics.RecordStoreCommand(op, "transport", time.Since(start))
		logrus.WithFields(logrus.Fields{"op": op, "key": key}).Debugf(
			"Store command failed: %v", err)
		return domain.NewStoreError(domain.KindTransport, op, string(key), err)
	}

	s.metrics.RecordStoreCommand(op, "ok", time.Since(start))

	return nil
}

func (s *storeService) attrKey(key domain.StoreKey) string {
	return string(key) + s.opts.AttrSuffix
}

func (s *storeService) listKey(key domain.StoreKey) string {
	return string(key) + s.opts.ListSuffix
}

// replyError extracts the error reply sent by the redis server (e.g.
// WRONGTYPE), as opposed to a connection failure.
func replyError(err error) (error, bool) {

	var rerr resp2.Error

	if err == nil || !errors.As(err, &rerr) {
		return nil, false
	}

	return rerr, true
}
