// Package workerproc implements the worker process main loop (C9): the
// long-lived child that pulls an execution id off its private work
// channel, resolves and loads the target code, runs it, and emits an
// ExecutionResult on its result channel.
package workerproc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cuemby/bifrost/pkg/types"
)

// WorkFrame is one line the pool manager writes to a worker's stdin.
type WorkFrame struct {
	ExecutionID string `json:"execution_id"`
}

// ResultFrame is one line a worker writes to its stdout.
type ResultFrame struct {
	Result *types.ExecutionResult `json:"result"`
}

// FrameWriter encodes newline-delimited JSON frames onto an underlying
// writer; one json.Marshal per line keeps the protocol trivial to read
// off a pipe without a length prefix.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteWork sends a work frame.
func (fw *FrameWriter) WriteWork(frame WorkFrame) error {
	return fw.writeLine(frame)
}

// WriteResult sends a result frame.
func (fw *FrameWriter) WriteResult(frame ResultFrame) error {
	return fw.writeLine(frame)
}

func (fw *FrameWriter) writeLine(v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	buf = append(buf, '\n')
	_, err = fw.w.Write(buf)
	return err
}

// FrameReader decodes newline-delimited JSON frames from an underlying
// reader, one scanned line at a time.
type FrameReader struct {
	scanner *bufio.Scanner
}

// NewFrameReader wraps r. The default bufio.Scanner token limit is raised
// since a result frame can carry an arbitrarily large execution value.
func NewFrameReader(r io.Reader) *FrameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &FrameReader{scanner: scanner}
}

// ReadWork reads the next work frame. Returns io.EOF when the underlying
// stream is closed.
func (fr *FrameReader) ReadWork() (WorkFrame, error) {
	var frame WorkFrame
	line, err := fr.nextLine()
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(line, &frame); err != nil {
		return frame, fmt.Errorf("decode work frame: %w", err)
	}
	return frame, nil
}

// ReadResult reads the next result frame.
func (fr *FrameReader) ReadResult() (ResultFrame, error) {
	var frame ResultFrame
	line, err := fr.nextLine()
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(line, &frame); err != nil {
		return frame, fmt.Errorf("decode result frame: %w", err)
	}
	return frame, nil
}

func (fr *FrameReader) nextLine() ([]byte, error) {
	if !fr.scanner.Scan() {
		if err := fr.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return fr.scanner.Bytes(), nil
}
