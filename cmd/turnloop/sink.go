package main

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/floegence/turnloop/internal/turn"
)

// ndjsonSink renders display events as one JSON object per line.
type ndjsonSink struct {
	mu sync.Mutex
	w  io.Writer
}

func newNDJSONSink(w io.Writer) *ndjsonSink {
	return &ndjsonSink{w: w}
}

func (s *ndjsonSink) Send(event turn.SinkEvent) {
	if s == nil || s.w == nil {
		return
	}
	b, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(b)
	_, _ = s.w.Write([]byte{'\n'})
}
