package compute

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/compustat/relayd/internal/logger"
)

const frameMagic uint32 = 0x21

// frameHeaderSize is magic (4B) + payload length (4B), both big-endian
const frameHeaderSize = 8

// State is the connection state of a Worker. failedToConnect and
// unusable are terminal; retrying means building a new Worker.
type State int

const (
	StateUninitialized State = iota
	StateInitialHostSearch
	StateLoading
	StateConnecting
	StateConnected
	StateFailedToConnect
	StateUnusable
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialHostSearch:
		return "initialHostSearch"
	case StateLoading:
		return "loading"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailedToConnect:
		return "failedToConnect"
	case StateUnusable:
		return "unusable"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Delegate receives worker events. All callbacks are invoked
// synchronously from the worker's goroutines and must not block;
// hand heavy work off before returning.
type Delegate interface {
	HandleComputeData(data []byte)
	HandleComputeError(err error)
	HandleComputeStatus(state State)
	HandleConnectionClosed()
}

// WorkerConfig carries everything a Worker needs besides its delegate.
// Launch, when non-nil, is called before dialing so an external
// orchestrator can start the engine. Dial exists so tests can hand the
// worker a pipe instead of a real TCP connection.
type WorkerConfig struct {
	Host           string
	Port           int
	ReadBufferSize int
	Launch         func(ctx context.Context) error
	Dial           func(ctx context.Context, addr string) (net.Conn, error)
}

// Worker owns one framed byte-stream connection to one compute engine.
// It performs no retries: a failed or dead worker is discarded and the
// owner builds a fresh one.
type Worker struct {
	cfg      WorkerConfig
	delegate Delegate
	log      *logger.Logger

	mu    sync.Mutex
	state State
	conn  net.Conn

	writeMu sync.Mutex
	closed  atomic.Bool
}

func NewWorker(cfg WorkerConfig, delegate Delegate, log *logger.Logger) *Worker {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 1 << 20
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return &Worker{cfg: cfg, delegate: delegate, log: log, state: StateUninitialized}
}

// State returns the current connection state
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// setState transitions and notifies the delegate. The callback runs
// outside the lock so a delegate calling back into the worker cannot
// deadlock.
func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.delegate.HandleComputeStatus(s)
}

// Start moves the worker from uninitialized to connected, running the
// launcher first when one is configured. On success the read loop is
// running when Start returns. Valid only once, from uninitialized.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateUninitialized {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: start called in state %s", ErrInvalidInput, state)
	}
	w.mu.Unlock()

	if w.cfg.Launch != nil {
		w.setState(StateInitialHostSearch)
		if err := w.cfg.Launch(ctx); err != nil {
			w.log.Warn("compute launch failed: %v", err)
			w.setState(StateUnusable)
			return fmt.Errorf("%w: launcher: %v", ErrFailedToConnect, err)
		}
		w.setState(StateLoading)
	}

	w.setState(StateConnecting)
	addr := net.JoinHostPort(w.cfg.Host, strconv.Itoa(w.cfg.Port))
	conn, err := w.cfg.Dial(ctx, addr)
	if err != nil {
		w.log.Warn("failed to dial compute at %s: %v", addr, err)
		w.setState(StateFailedToConnect)
		return fmt.Errorf("%w: dial %s: %v", ErrFailedToConnect, addr, err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.setState(StateConnected)

	go w.readLoop(conn)
	return nil
}

// Send frames and writes one payload. Legal only while connected.
func (w *Worker) Send(data []byte) error {
	if len(data) == 0 {
		return ErrSendingEmptyMessage
	}
	w.mu.Lock()
	conn := w.conn
	state := w.state
	w.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	// header and payload go out as one write so a concurrent Send
	// cannot interleave frames
	buf := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf[0:4], frameMagic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(data)))
	copy(buf[frameHeaderSize:], data)

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToWrite, err)
	}
	return nil
}

// Shutdown closes the stream. The unusable transition is reported
// through the delegate like any other, but the read loop exits without
// a connection-closed notification, since the close was asked for.
func (w *Worker) Shutdown() error {
	w.mu.Lock()
	conn := w.conn
	state := w.state
	w.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}
	w.closed.Store(true)
	err := conn.Close()
	w.setState(StateUnusable)
	return err
}

// notifyClosed delivers the connection-closed callback at most once
func (w *Worker) notifyClosed() {
	if w.closed.CompareAndSwap(false, true) {
		w.delegate.HandleConnectionClosed()
	}
}

// teardown marks the worker unusable, closes the stream and fires the
// one-shot close notification
func (w *Worker) teardown(conn net.Conn) {
	w.setState(StateUnusable)
	_ = conn.Close()
	w.notifyClosed()
}

func (w *Worker) readLoop(conn net.Conn) {
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			if isClosedError(err) {
				if w.closed.Load() {
					// deliberate Shutdown, nothing to report
					return
				}
				w.log.Info("compute connection closed by peer")
				w.setState(StateUnusable)
				w.notifyClosed()
				return
			}
			// transient: report and keep reading
			w.delegate.HandleComputeError(fmt.Errorf("%w: header: %v", ErrFailedToReadMessage, err))
			continue
		}

		magic := binary.BigEndian.Uint32(header[0:4])
		length := binary.BigEndian.Uint32(header[4:8])
		if magic != frameMagic {
			w.log.Warn("bad frame magic 0x%x, tearing down compute connection", magic)
			w.delegate.HandleComputeError(ErrInvalidHeader)
			w.teardown(conn)
			return
		}
		if length == 0 {
			w.log.Info("zero-length frame from compute, treating as closed")
			w.setState(StateUnusable)
			_ = conn.Close()
			w.notifyClosed()
			return
		}
		if int(length) > w.cfg.ReadBufferSize {
			// the stream can no longer be resynchronized once the
			// declared length exceeds what we will read
			buf := make([]byte, w.cfg.ReadBufferSize)
			_, _ = io.ReadFull(conn, buf)
			w.log.Error("frame of %d bytes exceeds read buffer of %d, stream desynchronized", length, w.cfg.ReadBufferSize)
			w.delegate.HandleComputeError(fmt.Errorf("%w: frame length %d exceeds buffer", ErrFailedToReadMessage, length))
			w.teardown(conn)
			return
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			if isClosedError(err) {
				if w.closed.Load() {
					return
				}
				w.setState(StateUnusable)
				w.notifyClosed()
				return
			}
			w.delegate.HandleComputeError(fmt.Errorf("%w: payload: %v", ErrFailedToReadMessage, err))
			continue
		}
		w.delegate.HandleComputeData(payload)
	}
}

func isClosedError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
