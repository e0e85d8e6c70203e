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

// Package codec implements the attribute wire-format exchanged with the
// metadata store: a comma-separated list of "key:value" pairs, values being
// base-10 unsigned integers.
//
//	atime:1600000000,ctime:1600000000,mtime:1600000000,mode:33188,size:12,exists:1
//
// Decoding is strict: any malformed pair, unparseable value or unrecognized
// key invalidates the whole record.
package codec

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"

	"github.com/nestybox/cachefs/domain"
)

const (
	pairSeparator  = ","
	fieldSeparator = ":"
)

// Decode parses an attribute blob into an AttributeRecord. Pairs are processed
// in order; duplicate keys are allowed and the last occurrence wins.
func Decode(buf []byte) (*domain.AttributeRecord, error) {

	if len(buf) == 0 {
		return nil, malformed(errors.New("empty attribute blob"))
	}

	var rec domain.AttributeRecord

	for _, pair := range bytes.Split(buf, []byte(pairSeparator)) {

		fields := bytes.SplitN(pair, []byte(fieldSeparator), 2)
		if len(fields) != 2 || len(fields[0]) == 0 || len(fields[1]) == 0 {
			return nil, malformed(errors.Errorf("invalid pair %q", pair))
		}

		key, ok := domain.LookupAttrKey(string(fields[0]))
		if !ok {
			return nil, malformed(errors.Errorf("unrecognized key %q", fields[0]))
		}

		val, err := strconv.ParseUint(string(fields[1]), 10, 64)
		if err != nil {
			return nil, malformed(errors.Wrapf(err, "invalid value for key %q", fields[0]))
		}

		rec.Set(key, val)
	}

	return &rec, nil
}

// Encode serializes an AttributeRecord into the attribute wire-format. All
// recognized keys are emitted in canonical order.
func Encode(rec *domain.AttributeRecord) []byte {

	var buf bytes.Buffer

	for i, k := range domain.AttrKeys() {
		if i > 0 {
			buf.WriteString(pairSeparator)
		}
		buf.WriteString(k.String())
		buf.WriteString(fieldSeparator)
		buf.WriteString(strconv.FormatUint(rec.Get(k), 10))
	}

	return buf.Bytes()
}

func malformed(err error) error {
	return domain.NewStoreError(domain.KindMalformed, "decode", "", err)
}
