// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data provides the pre-tokenized training sequences and the loaders that group them in global
// batches, plus the helpers to sort batches by sequence length and to analyze a dataset.
package data

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"

	"github.com/gomlx/hydraulis/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Source is a read-only collection of tokenized sequences.
//
// Sequences are padded (or truncated) to a fixed length with the pad token.
type Source interface {
	// Len returns the number of sequences.
	Len() int

	// Sequence returns the tokens of the sequence idx. The returned slice must not be changed.
	Sequence(idx int) []int64

	// PadID is the token used for padding.
	PadID() int64
}

// NonPadLen returns the number of tokens of seq different from padID.
func NonPadLen(seq []int64, padID int64) int {
	n := 0
	for _, token := range seq {
		if token != padID {
			n++
		}
	}
	return n
}

// SliceSource is a Source backed by a slice of rows held in memory.
type SliceSource struct {
	rows  [][]int64
	padID int64
}

// NewSliceSource returns a Source with the given rows, used as is.
func NewSliceSource(rows [][]int64, padID int64) *SliceSource {
	return &SliceSource{rows: rows, padID: padID}
}

// Len implements Source.
func (s *SliceSource) Len() int { return len(s.rows) }

// Sequence implements Source.
func (s *SliceSource) Sequence(idx int) []int64 { return s.rows[idx] }

// PadID implements Source.
func (s *SliceSource) PadID() int64 { return s.padID }

// JSONDataset is a Source of pre-tokenized sequences read from a JSON file.
//
// The file holds either a JSON array of objects, or one object per line (JSON lines). The token ids of
// each sequence are in the field key of each object.
type JSONDataset struct {
	SliceSource

	path      string
	key       string
	maxSeqLen int
	truncated int
}

// LoadJSONDataset reads the dataset in path. Sequences are truncated or padded to maxSeqLen tokens
// with padID.
func LoadJSONDataset(path, key string, maxSeqLen int, padID int64) (*JSONDataset, error) {
	if key == "" {
		return nil, errors.New("json key for the tokens not given")
	}
	if maxSeqLen <= 0 {
		return nil, errors.Errorf("invalid max seqlen %d", maxSeqLen)
	}
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dataset")
	}
	defer func() { _ = f.Close() }()

	ds := &JSONDataset{
		SliceSource: SliceSource{padID: padID},
		path:        path,
		key:         key,
		maxSeqLen:   maxSeqLen,
	}
	if err := ds.read(f); err != nil {
		return nil, errors.WithMessagef(err, "failed to read dataset %q", path)
	}
	klog.V(1).Infof("Loaded %d sequences from %q (%d truncated to %d tokens)", ds.Len(), path, ds.truncated, maxSeqLen)
	return ds, nil
}

func (ds *JSONDataset) read(r io.Reader) error {
	br := bufio.NewReader(r)
	isArray, err := startsWithArray(br)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(br)
	if isArray {
		if _, err := dec.Token(); err != nil {
			return errors.Wrap(err, "failed to read opening bracket")
		}
	}
	for {
		if isArray && !dec.More() {
			break
		}
		var record map[string]json.RawMessage
		err := dec.Decode(&record)
		if err == io.EOF && !isArray {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "failed to decode record #%d", ds.Len())
		}
		raw, found := record[ds.key]
		if !found {
			return errors.Errorf("record #%d has no key %q", ds.Len(), ds.key)
		}
		var tokens []int64
		if err := json.Unmarshal(raw, &tokens); err != nil {
			return errors.Wrapf(err, "record #%d key %q is not a list of token ids", ds.Len(), ds.key)
		}
		ds.rows = append(ds.rows, ds.fit(tokens))
	}
	return nil
}

// startsWithArray peeks the first non-space byte.
func startsWithArray(br *bufio.Reader) (bool, error) {
	for {
		b, err := br.Peek(1)
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, errors.Wrap(err, "failed to read dataset")
		}
		if !bytes.ContainsAny(b, " \t\r\n") {
			return b[0] == '[', nil
		}
		_, _ = br.ReadByte()
	}
}

// fit truncates or pads tokens to maxSeqLen.
func (ds *JSONDataset) fit(tokens []int64) []int64 {
	if len(tokens) > ds.maxSeqLen {
		ds.truncated++
		return tokens[:ds.maxSeqLen]
	}
	for len(tokens) < ds.maxSeqLen {
		tokens = append(tokens, ds.padID)
	}
	return tokens
}

// Path of the dataset file.
func (ds *JSONDataset) Path() string { return ds.path }

// MaxSeqLen is the length of all sequences of the dataset.
func (ds *JSONDataset) MaxSeqLen() int { return ds.maxSeqLen }

// NumTruncated returns how many sequences were longer than the max seqlen.
func (ds *JSONDataset) NumTruncated() int { return ds.truncated }
