// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// LoaderConfig configures how a Loader groups the sequences of a Source in global batches.
//
// Exactly one of GlobalBatchSize and GlobalTokenNum must be set (> 0).
type LoaderConfig struct {
	// GlobalBatchSize is the fixed number of sequences of each batch. An incomplete last batch is dropped.
	GlobalBatchSize int

	// GlobalTokenNum is the max number of non-pad tokens of each batch. Batches have at least one
	// sequence, and the last, possibly smaller, batch is kept.
	GlobalTokenNum int

	// ConsumedSamples is the number of sequences to skip at the start, to resume training.
	ConsumedSamples int

	// ReadAhead is the number of batches prepared in the background. Defaults to 2.
	ReadAhead int
}

// Validate the configuration.
func (c LoaderConfig) Validate() error {
	if (c.GlobalBatchSize > 0) == (c.GlobalTokenNum > 0) {
		return errors.Errorf("exactly one of global batch size (%d) and global token num (%d) must be set",
			c.GlobalBatchSize, c.GlobalTokenNum)
	}
	if c.ConsumedSamples < 0 {
		return errors.Errorf("invalid consumed samples %d", c.ConsumedSamples)
	}
	return nil
}

type loaderItem struct {
	batch [][]int64
	err   error
}

// Loader yields the global batches of a Source, in order, preparing them in a background goroutine.
//
// Call Close when done, to stop the background goroutine.
type Loader struct {
	src    Source
	config LoaderConfig

	buffer    chan loaderItem
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	consumed int
}

// NewLoader creates and starts a Loader.
func NewLoader(src Source, config LoaderConfig) (*Loader, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.ReadAhead <= 0 {
		config.ReadAhead = 2
	}
	l := &Loader{
		src:      src,
		config:   config,
		buffer:   make(chan loaderItem, config.ReadAhead),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		consumed: config.ConsumedSamples,
	}
	go l.readAhead(config.ConsumedSamples)
	return l, nil
}

func (l *Loader) readAhead(pos int) {
	defer close(l.done)
	defer close(l.buffer)
	for {
		batch, next := l.batchAt(pos)
		item := loaderItem{batch: batch}
		if len(batch) == 0 {
			item.err = io.EOF
		}
		select {
		case l.buffer <- item:
		case <-l.stop:
			return
		}
		if item.err != nil {
			return
		}
		pos = next
	}
}

// batchAt returns the batch starting at sequence pos, and the position of the following batch.
func (l *Loader) batchAt(pos int) ([][]int64, int) {
	n := l.src.Len()
	if pos >= n {
		return nil, pos
	}
	if l.config.GlobalBatchSize > 0 {
		if pos+l.config.GlobalBatchSize > n {
			return nil, pos
		}
		batch := make([][]int64, l.config.GlobalBatchSize)
		for ii := range batch {
			batch[ii] = l.src.Sequence(pos + ii)
		}
		return batch, pos + l.config.GlobalBatchSize
	}

	var batch [][]int64
	tokens := 0
	padID := l.src.PadID()
	for ; pos < n; pos++ {
		seq := l.src.Sequence(pos)
		seqTokens := NonPadLen(seq, padID)
		if len(batch) > 0 && tokens+seqTokens > l.config.GlobalTokenNum {
			break
		}
		batch = append(batch, seq)
		tokens += seqTokens
	}
	return batch, pos
}

// Next returns the next global batch, or io.EOF when there are no more.
func (l *Loader) Next(ctx context.Context) ([][]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case item, ok := <-l.buffer:
		if !ok {
			return nil, io.EOF
		}
		if item.err != nil {
			return nil, item.err
		}
		l.mu.Lock()
		l.consumed += len(item.batch)
		l.mu.Unlock()
		return item.batch, nil
	}
}

// ConsumedSamples returns the number of sequences returned so far, plus the skipped ones.
func (l *Loader) ConsumedSamples() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consumed
}

// Close stops the background goroutine. It is safe to call more than once.
func (l *Loader) Close() {
	l.closeOnce.Do(func() {
		close(l.stop)
	})
	<-l.done
}
