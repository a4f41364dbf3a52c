// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package iopump

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/openrunner/openrunner/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPump_ForwardsPartialLines(t *testing.T) {
	// a progress bar style payload with no trailing newline
	src := strings.NewReader("building... 50%\rbuilding... 100%")

	var got []Chunk
	Pump(src, model.StreamStdout, func(c Chunk) {
		got = append(got, c)
	})

	require.NotEmpty(t, got)
	var all bytes.Buffer
	for _, c := range got {
		assert.Equal(t, model.StreamStdout, c.Stream)
		all.Write(c.Data)
	}
	assert.Equal(t, "building... 50%\rbuilding... 100%", all.String())
}

func TestPump_PreservesOrderAndTimestamps(t *testing.T) {
	defer leaktest.Check(t)()

	pr, pw := io.Pipe()
	done := make(chan []Chunk, 1)
	go func() {
		var got []Chunk
		Pump(pr, model.StreamStderr, func(c Chunk) { got = append(got, c) })
		done <- got
	}()

	for i := 0; i < 5; i++ {
		_, err := pw.Write([]byte{byte('a' + i)})
		require.NoError(t, err)
	}
	require.NoError(t, pw.Close())

	select {
	case got := <-done:
		require.Len(t, got, 5)
		var prev time.Time
		var all []byte
		for _, c := range got {
			assert.False(t, c.Timestamp.Before(prev), "timestamps must be nondecreasing")
			prev = c.Timestamp
			all = append(all, c.Data...)
		}
		assert.Equal(t, "abcde", string(all))
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not finish")
	}
}

func TestPump_StopsOnReadError(t *testing.T) {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		Pump(pr, model.StreamStdout, func(Chunk) {})
		close(done)
	}()

	require.NoError(t, pw.CloseWithError(io.ErrClosedPipe))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop on read error")
	}
}
