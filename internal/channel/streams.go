package channel

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/nodeforge/sshd/internal/closer"
)

// ErrPendingRead is returned by AsyncStream.Read when a previous read on the
// same stream has not yet completed (spec §4.5: "a second concurrent read
// is a programming error").
var ErrPendingRead = errors.New("channel: previous pending read on this stream")

// NewInvertedStreams builds the channel's stdin/stdout/stderr pipes for
// "inverted" mode (spec §4.5): the channel owns both ends of the pipes and
// hands the embedder-facing ends back to the caller, instead of taking
// pre-built streams from the embedder the way BindStdio/sync mode does.
// Returns (embedderStdin, embedderStdout, embedderStderr): the embedder
// writes to embedderStdin to send data out the channel, and reads from
// embedderStdout/embedderStderr to receive inbound channel data.
func NewInvertedStreams(c *Channel) (embedderStdin io.WriteCloser, embedderStdout, embedderStderr io.ReadCloser) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	c.BindStdio(stdinR, stdoutW, stderrW)
	return stdinW, stdoutR, stderrR
}

// AsyncStream exposes future-based read/write over a channel (spec §4.5):
// Write returns a Future that resolves once the bytes have been queued for
// send (window-gated); Read accepts a caller-owned buffer and returns a
// Future that resolves once bytes have been copied into it. Exactly one
// read may be pending at a time.
type AsyncStream struct {
	ch *Channel

	mu          sync.Mutex
	pendingRead bool
	rest        []byte // unread tail of the last chunk, served before inbound

	inbound chan []byte // delivers inbound DATA payloads in wire order
}

// NewAsyncStream wires ch for async mode: inbound CHANNEL_DATA is queued
// on an internal channel consumed by Read; outbound Write chunks and sends
// immediately via the channel's normal window-gated writeData path.
func NewAsyncStream(ch *Channel) *AsyncStream {
	s := &AsyncStream{ch: ch, inbound: make(chan []byte, 64)}
	ch.BindStdio(nil, asyncSink{s}, discardSink{})
	return s
}

type asyncSink struct{ s *AsyncStream }

func (a asyncSink) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	a.s.inbound <- cp
	return len(p), nil
}
func (a asyncSink) Close() error { close(a.s.inbound); return nil }

type discardSink struct{}

func (discardSink) Write(p []byte) (int, error) { return len(p), nil }
func (discardSink) Close() error                { return nil }

// Read completes once at least one inbound chunk has been copied into buf,
// or the channel closes (io.EOF). Calling Read again before a prior call
// has resolved fails the new call's Future synchronously with
// ErrPendingRead, per spec §4.5.
func (s *AsyncStream) Read(buf []byte) *closer.Future {
	s.mu.Lock()
	if s.pendingRead {
		s.mu.Unlock()
		return closer.Completed(ErrPendingRead)
	}
	s.pendingRead = true
	s.mu.Unlock()

	fut := closer.NewFuture()
	go func() {
		s.mu.Lock()
		chunk, ok := s.rest, s.rest != nil
		s.rest = nil
		s.mu.Unlock()
		if !ok {
			chunk, ok = <-s.inbound
		}
		n := copy(buf, chunk)
		s.mu.Lock()
		if n < len(chunk) {
			// Caller's buffer was smaller than the chunk; hold the
			// remainder for the next Read, ahead of anything still queued.
			s.rest = chunk[n:]
		}
		s.pendingRead = false
		s.mu.Unlock()
		if !ok {
			fut.Complete(io.EOF)
			return
		}
		fut.Complete(nil)
	}()
	return fut
}

// Write queues p for outbound send, window-gated like any other channel
// write, and resolves once the data has been handed to the network layer.
func (s *AsyncStream) Write(p []byte) *closer.Future {
	fut := closer.NewFuture()
	go func() {
		fut.Complete(s.ch.writeData(p))
	}()
	return fut
}

// WriteContext is the context-aware variant used when the caller wants the
// write itself cancellable rather than relying on the channel's teardown.
func (s *AsyncStream) WriteContext(ctx context.Context, p []byte) *closer.Future {
	fut := closer.NewFuture()
	go func() {
		select {
		case <-ctx.Done():
			fut.Complete(ctx.Err())
		default:
			fut.Complete(s.ch.writeData(p))
		}
	}()
	return fut
}
