// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package iopump moves bytes between supervised children and the rest of the
// core. Pipe mode runs one reader per stream; PTY mode runs a single reader
// over the master plus a writer for stdin and resize. No line buffering is
// imposed anywhere: partial lines are forwarded verbatim so ANSI progress
// bars render correctly.
package iopump

import (
	"io"
	"time"

	"github.com/openrunner/openrunner/pkg/log"
	"github.com/openrunner/openrunner/pkg/model"
)

var plog = log.WithComponent("iopump.Pump")

// readChunkSize keeps single reads small enough for interactive latency.
const readChunkSize = 4096

// Chunk is one piece of child output. Timestamp is taken before the chunk is
// handed over, so stored order within a stream matches source order.
type Chunk struct {
	Stream    model.LogStream
	Data      []byte
	Timestamp time.Time
}

// Sink receives chunks from a pump. Implementations must not retain Data
// beyond the call; the pump hands over a fresh copy per chunk.
type Sink func(Chunk)

// Pump reads r in small chunks and forwards them tagged with stream until
// EOF or a read error. Read errors other than EOF are logged, never
// propagated: a broken pipe must not take the supervisor down.
func Pump(r io.Reader, stream model.LogStream, sink Sink) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			sink(Chunk{Stream: stream, Data: data, Timestamp: time.Now()})
		}
		if err != nil {
			if err != io.EOF {
				plog.WithError(err).WithField("stream", string(stream)).Debug("output read error")
			}
			return
		}
	}
}
