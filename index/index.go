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

package index

import (
	"os"
	"path"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nestybox/cachefs/codec"
	"github.com/nestybox/cachefs/domain"
)

// Stats summarizes the outcome of an indexing pass.
type Stats struct {
	Dirs  int
	Files int
	Bytes uint64
}

// Indexer populates the metadata store out of a content-cache directory that
// is already materialized. Every entry found underneath the directory gets its
// attribute record (flagged as locally cached) and, for directories, the
// ordered list of children.
type Indexer struct {
	kt  domain.KeyTranslatorIface
	sts domain.StoreServiceIface
	ios domain.IOServiceIface
}

func NewIndexer(
	kt domain.KeyTranslatorIface,
	sts domain.StoreServiceIface,
	ios domain.IOServiceIface) *Indexer {

	return &Indexer{
		kt:  kt,
		sts: sts,
		ios: ios,
	}
}

// DefaultDir returns the content-cache directory holding the url-root's
// content.
func (ix *Indexer) DefaultDir() string {
	return ix.kt.ContentPath(ix.kt.Translate("/"))
}

// Index walks the given content-cache directory. The directory itself is
// recorded under the url-root key; its entries under the url-root followed
// by their relative path.
func (ix *Indexer) Index(dir string) (Stats, error) {

	var stats Stats

	dir = path.Clean("/" + dir)

	fi, err := ix.ios.NewIOnode(path.Base(dir), dir, 0).Stat()
	if err != nil {
		return stats, errors.Wrapf(err, "could not access %s", dir)
	}
	if !fi.IsDir() {
		return stats, errors.Errorf("%s is not a directory", dir)
	}

	if err := ix.walk(dir, "/", fi, &stats); err != nil {
		return stats, err
	}

	logrus.Infof("Indexed %s: %d directories, %d files (%s)",
		dir, stats.Dirs, stats.Files, humanize.Bytes(stats.Bytes))

	return stats, nil
}

func (ix *Indexer) walk(p string, rel string, fi os.FileInfo, stats *Stats) error {

	key := ix.kt.Translate(rel)
	rec := domain.RecordFromFileInfo(fi)

	if err := ix.sts.SetAttributes(key, codec.Encode(&rec)); err != nil {
		return errors.Wrapf(err, "could not index %s", p)
	}

	logrus.WithFields(logrus.Fields{"key": key, "content": p}).Debug("Indexed entry")

	if !fi.IsDir() {
		stats.Files++
		stats.Bytes += rec.Size
		return nil
	}

	stats.Dirs++

	entries, err := ix.ios.NewIOnode(fi.Name(), p, 0).ReadDirAll()
	if err != nil {
		return errors.Wrapf(err, "could not read directory %s", p)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	if err := ix.sts.SetChildren(key, names); err != nil {
		return errors.Wrapf(err, "could not index children of %s", p)
	}

	for _, e := range entries {
		if err := ix.walk(path.Join(p, e.Name()), path.Join(rel, e.Name()), e, stats); err != nil {
			return err
		}
	}

	return nil
}
