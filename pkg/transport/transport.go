// Package transport specifies the framed, ordered, bidirectional message
// pipe between a slave (supervisor side) and its overseer (worker side).
// Spec §1 places the transport library itself out of scope ("we specify
// the message semantics only"); this package fixes that message shape and
// ships one in-memory implementation adequate to exercise it. A real
// deployment would swap in a socket-backed implementation of the same
// Transport interface without touching slave or overseer code.
package transport

import (
	"context"
	"errors"

	"github.com/latticerun/forge/pkg/metrics"
	"github.com/latticerun/forge/pkg/types"
)

// Code names a wire message kind. Spec §6.
type Code int

const (
	CodeHeartbeat Code = iota
	CodeTerminate
	CodeInvoke
	CodePush
	CodeError
	CodeRelease
)

func (c Code) String() string {
	switch c {
	case CodeHeartbeat:
		return "heartbeat"
	case CodeTerminate:
		return "terminate"
	case CodeInvoke:
		return "invoke"
	case CodePush:
		return "push"
	case CodeError:
		return "error"
	case CodeRelease:
		return "release"
	default:
		return "unknown"
	}
}

// Message is one frame of the supervisor<->worker RPC. Which fields are
// populated depends on Code (spec §6).
type Message struct {
	Code      Code
	SessionID types.SessionID
	Payload   []byte

	// ErrorCode/ErrorReason populate CodeError; TermCode/TermReason
	// optionally populate CodeTerminate.
	ErrorCode   int
	ErrorReason string
	TermCode    int
	TermReason  string
}

// ErrOverloaded is returned by Send when the transport's high-water mark is
// hit; the caller fails the affected session with Overloaded (spec §5).
var ErrOverloaded = errors.New("transport: high-water mark hit")

// ErrClosed is returned by Send/Recv after Close.
var ErrClosed = errors.New("transport: closed")

// Transport is one bidirectional framed pipe endpoint. Both ends of a pair
// returned by NewPipe implement it symmetrically.
type Transport interface {
	// Send enqueues msg for the peer. It returns ErrOverloaded if the
	// outbound high-water mark is hit, or ErrClosed if the pipe is closed.
	Send(ctx context.Context, msg Message) error

	// Recv blocks until a frame from the peer is available, ctx is done,
	// or the pipe is closed.
	Recv(ctx context.Context) (Message, error)

	// Close tears down the pipe. Idempotent.
	Close() error
}

// Pipe is an in-memory Transport backed by two buffered channels, one per
// direction. It models the "framed, ordered, bidirectional message pipe"
// of spec §2 without a real socket: frames sent on one end arrive in order
// on the other, and a full outbound buffer surfaces as ErrOverloaded rather
// than blocking the caller's event loop.
type Pipe struct {
	out      chan Message
	in       chan Message
	closed   chan struct{}
	closeErr error
}

// NewPipe returns two connected Transport endpoints with the given per-
// direction buffer size (the high-water mark referenced in spec §5).
func NewPipe(highWaterMark int) (supervisorSide, workerSide *Pipe) {
	a := make(chan Message, highWaterMark)
	b := make(chan Message, highWaterMark)
	closed := make(chan struct{})
	supervisorSide = &Pipe{out: a, in: b, closed: closed}
	workerSide = &Pipe{out: b, in: a, closed: closed}
	return supervisorSide, workerSide
}

func (p *Pipe) Send(ctx context.Context, msg Message) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return ErrClosed
	default:
		metrics.TransportOverloadedTotal.Inc()
		return ErrOverloaded
	}
}

func (p *Pipe) Recv(ctx context.Context) (Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close closes the pipe from either end; safe to call from both sides.
func (p *Pipe) Close() error {
	defer func() { recover() }()
	close(p.closed)
	return nil
}
