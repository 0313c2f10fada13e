package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Transport is a bidirectional Message channel to one worker subprocess.
// Adapted from sideload.Transport/StdioTransport: same bufio-reader +
// read-loop-goroutine + notification-handler shape, simplified because the
// Orchestrator protocol has no request/response correlation by ID — every
// message is a one-way notification dispatched purely by Type.
type Transport struct {
	w io.WriteCloser
	r *bufio.Reader

	mu      sync.Mutex
	handler func(Message)
	done    chan struct{}
	closeOnce sync.Once
}

// NewTransport wraps a worker process's stdin (w) and stdout (r) and starts
// the read loop, which dispatches every decoded line to the registered
// handler.
func NewTransport(w io.WriteCloser, r io.Reader) *Transport {
	t := &Transport{
		w:    w,
		r:    bufio.NewReaderSize(r, 64*1024),
		done: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// OnMessage registers the callback invoked for every message read from the
// worker. Must be called before messages are expected (no buffering of
// pre-registration messages beyond what the OS pipe itself buffers).
func (t *Transport) OnMessage(h func(Message)) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Transport) readLoop() {
	defer close(t.done)
	for {
		line, err := t.r.ReadBytes('\n')
		if len(line) > 0 {
			var msg Message
			if jsonErr := json.Unmarshal(line, &msg); jsonErr == nil {
				t.mu.Lock()
				h := t.handler
				t.mu.Unlock()
				if h != nil {
					h(msg)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// Send writes one message, newline-terminated, to the worker's stdin.
func (t *Transport) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal ipc message: %w", err)
	}
	data = append(data, '\n')

	errCh := make(chan error, 1)
	go func() {
		_, werr := t.w.Write(data)
		errCh <- werr
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close closes the write side; the worker's own process exit closes the
// read side, unblocking readLoop.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.w.Close()
	})
	return nil
}

// Done reports when the read loop has exited (worker's stdout closed).
func (t *Transport) Done() <-chan struct{} {
	return t.done
}
