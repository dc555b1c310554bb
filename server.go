// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package duplex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
)

// defaultPendingTimeout bounds how long a call may wait for its target
// channel to be registered before failing back to the caller.
const defaultPendingTimeout = 1 * time.Second

// ServerOptions are optional settings for a [Server]. A nil *ServerOptions
// is ready for use and provides default values as described.
type ServerOptions struct {
	// The time a call for an unregistered channel is queued before failing.
	// If zero or negative, use a default of 1 second.
	PendingTimeout time.Duration

	// If set, log frames exchanged on the connection to this callback.
	LogFrames FrameLogger
}

func (o *ServerOptions) pendingTimeout() time.Duration {
	if o == nil || o.PendingTimeout <= 0 {
		return defaultPendingTimeout
	}
	return o.PendingTimeout
}

func (o *ServerOptions) frameLogger() FrameLogger {
	if o == nil {
		return nil
	}
	return o.LogFrames
}

// A Server hosts named channels for a single remote peer. Inbound calls and
// event subscriptions are demultiplexed to the registered [Service] for the
// target channel. Requests for channels not yet registered are queued, and
// dispatched in arrival order when the channel is registered.
//
// Immediately after construction, a server advertises readiness to its peer
// with an initialize frame.
//
// The methods of a Server are safe for concurrent use.
type Server struct {
	fc       *frameConn
	peer     string // ID of the remote peer, exposed to handlers
	timeout  time.Duration
	tasks    *taskgroup.Group
	base     func() context.Context
	ownsConn bool

	mu       sync.Mutex
	channels map[string]Service
	pending  map[string][]*pendingReq // keyed by channel name; presence gates dispatch
	draining map[string]bool          // channels with a drain in flight
	active   map[uint32]func()        // request ID → cancel or unsubscribe
	closed   bool
}

// A pendingReq is a request parked while its target channel is unregistered.
type pendingReq struct {
	frame Frame
	timer *time.Timer // expiry, nil for event subscriptions
	done  bool        // drained or expired; guarded by the server mutex
}

// NewServer constructs a server for the remote peer identified by peerID and
// starts its receive loop on conn. The server runs until Close is called or
// the connection closes. Frames that are not requests are dropped.
func NewServer(conn Conn, peerID string, opts *ServerOptions) *Server {
	s := newServer(&frameConn{conn: conn, log: opts.frameLogger()}, peerID, opts)
	s.ownsConn = true
	s.tasks.Go(func() error {
		// On receive failure, close our own side as well, so a peer blocked
		// reading from us is released.
		defer conn.Close()
		for {
			msg, err := conn.Recv()
			if err != nil {
				return nil
			}
			f, ok := decodeFrame(msg)
			if !ok {
				continue
			}
			s.fc.logRecv(f)
			if f.Type.isResponse() {
				mx.frameDropped.Add(1)
				continue
			}
			s.deliver(&f)
		}
	})
	s.advertise()
	return s
}

// newServer constructs a server over a shared frame connection without a
// receive loop of its own; the owner feeds it frames through deliver and
// calls advertise once its receiver is in place.
func newServer(fc *frameConn, peerID string, opts *ServerOptions) *Server {
	return &Server{
		fc:       fc,
		peer:     peerID,
		timeout:  opts.pendingTimeout(),
		tasks:    taskgroup.New(nil),
		base:     context.Background,
		channels: make(map[string]Service),
		pending:  make(map[string][]*pendingReq),
		draining: make(map[string]bool),
		active:   make(map[uint32]func()),
	}
}

// advertise emits the initialize frame that tells the peer this server is
// ready to dispatch. It is the first frame the server sends.
func (s *Server) advertise() { s.fc.send(Frame{Type: FrameInitialize}) }

// decodeFrame decodes a transport message, counting undecodable messages as
// dropped. A bad message never fails the connection.
func decodeFrame(msg []byte) (Frame, bool) {
	mx.frameRecv.Add(1)
	var f Frame
	if err := f.UnmarshalBinary(msg); err != nil {
		mx.frameDropped.Add(1)
		return f, false
	}
	return f, true
}

// Peer reports the ID of the remote peer this server was constructed for.
func (s *Server) Peer() string { return s.peer }

// Register registers svc as the implementation of the named channel, and
// returns s to permit chaining. Requests queued for name are re-dispatched
// in arrival order; the drain happens on a separate goroutine so that
// Register returns before any queued request enters service code.
//
// Registering a name again replaces the previous service for subsequent
// requests.
func (s *Server) Register(name string, svc Service) *Server {
	s.mu.Lock()
	s.channels[name] = svc
	_, hasPending := s.pending[name]
	start := hasPending && !s.draining[name] && !s.closed
	if start {
		s.draining[name] = true
	}
	s.mu.Unlock()

	if start {
		s.tasks.Go(func() error { s.drain(name); return nil })
	}
	return s
}

// Lookup returns the service registered for the named channel, if any.
func (s *Server) Lookup(name string) (Service, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.channels[name]
	return svc, ok
}

// NewContext registers a function that will be called to create a new base
// context for service calls. This allows request-specific host resources to
// be plumbed into a handler. If it is not set a background context is used.
func (s *Server) NewContext(base func() context.Context) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if base == nil {
		s.base = context.Background
	} else {
		s.base = base
	}
	return s
}

// LogFrames registers a callback invoked for each frame exchanged with the
// remote peer. Passing nil disables logging.
func (s *Server) LogFrames(log FrameLogger) *Server { s.fc.setLogger(log); return s }

// Close detaches the server from its connection, cancels all executing
// calls, releases all live subscriptions, and discards queued requests.
// Close blocks until in-flight service goroutines have returned. It is safe
// to call Close more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.tasks.Wait()
		return nil
	}
	s.closed = true
	active := s.active
	pend := s.pending
	s.active = make(map[uint32]func())
	s.pending = make(map[string][]*pendingReq)
	s.mu.Unlock()

	for _, q := range pend {
		for _, pr := range q {
			if pr.timer != nil {
				pr.timer.Stop()
			}
		}
	}
	for _, stop := range active {
		stop()
	}
	if s.ownsConn {
		s.fc.conn.Close()
	}
	s.tasks.Wait()
	return nil
}

// deliver routes one inbound request frame.
func (s *Server) deliver(f *Frame) {
	switch f.Type {
	case FrameCall:
		mx.callIn.Add(1)
		s.mu.Lock()
		svc, ok := s.channels[f.Channel]
		if _, queued := s.pending[f.Channel]; !ok || queued {
			// Unknown channel, or a drain for it is still in progress: park
			// behind the queue so arrival order is preserved.
			s.enqueueLocked(f, true)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.startCall(svc, *f)

	case FrameListen:
		s.mu.Lock()
		svc, ok := s.channels[f.Channel]
		if _, queued := s.pending[f.Channel]; !ok || queued {
			// A subscription is a standing intent, not a bounded request, so
			// it parks without an expiry.
			s.enqueueLocked(f, false)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.startListen(svc, *f)

	case FrameCancel:
		mx.cancelIn.Add(1)
		s.disposeActive(f.ID)

	case FrameDispose:
		s.disposeActive(f.ID)

	default:
		mx.frameDropped.Add(1)
	}
}

// enqueueLocked parks f for its channel. The caller must hold s.mu.
func (s *Server) enqueueLocked(f *Frame, timed bool) {
	if s.closed {
		return
	}
	pr := &pendingReq{frame: *f}
	if timed {
		name := f.Channel
		pr.timer = time.AfterFunc(s.timeout, func() { s.expire(name, pr) })
	}
	s.pending[f.Channel] = append(s.pending[f.Channel], pr)
	mx.callQueued.Add(1)
}

// expire fails a parked call back to the caller after the pending timeout.
func (s *Server) expire(name string, pr *pendingReq) {
	s.mu.Lock()
	if pr.done {
		s.mu.Unlock()
		return
	}
	pr.done = true
	q := s.pending[name]
	for i, e := range q {
		if e == pr {
			s.pending[name] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	mx.callQueued.Add(-1)
	mx.callInErr.Add(1)

	s.fc.send(Frame{Type: FrameError, ID: pr.frame.ID, Body: JSON(&WireError{
		Name:    errNameUnknownChannel,
		Message: fmt.Sprintf("Channel name '%s' timed out after %dms", name, s.timeout.Milliseconds()),
	})})
}

// drain re-dispatches requests parked for name in arrival order. The queue
// entry remains present while the drain runs, so requests arriving
// concurrently park behind it; the loop continues until the queue is empty.
func (s *Server) drain(name string) {
	for {
		s.mu.Lock()
		if s.closed {
			delete(s.draining, name)
			s.mu.Unlock()
			return
		}
		q := s.pending[name]
		if len(q) == 0 {
			delete(s.pending, name)
			delete(s.draining, name)
			s.mu.Unlock()
			return
		}
		s.pending[name] = nil // keep the entry present while dispatching
		svc := s.channels[name]
		for _, pr := range q {
			pr.done = true
		}
		s.mu.Unlock()

		for _, pr := range q {
			if pr.timer != nil {
				pr.timer.Stop()
			}
			mx.callQueued.Add(-1)
			switch pr.frame.Type {
			case FrameCall:
				s.startCall(svc, pr.frame)
			case FrameListen:
				s.startListen(svc, pr.frame)
			}
		}
	}
}

// startCall invokes the channel's command handler on a service goroutine and
// reports its outcome to the caller.
func (s *Server) startCall(svc Service, f Frame) {
	pctx := context.WithValue(s.base(), peerContextKey{}, s.peer)
	ctx, cancel := context.WithCancel(pctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.active[f.ID] = cancel
	s.mu.Unlock()
	mx.callActive.Add(1)

	s.tasks.Go(func() error {
		defer cancel()
		defer mx.callActive.Add(-1)

		v, err := func() (_ Value, err error) {
			// Ensure a panic out of the handler is turned into a graceful
			// response.
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = fmt.Errorf("handler panicked (recovered): %v", x)
				}
			}()
			return svc.Call(ctx, f.Name, f.Body)
		}()

		rsp := Frame{ID: f.ID}
		var pe *PayloadError
		if err == nil {
			rsp.Type, rsp.Body = FrameSuccess, v
		} else if errors.As(err, &pe) {
			rsp.Type, rsp.Body = FrameErrorValue, pe.Value
			mx.callInErr.Add(1)
		} else {
			rsp.Type, rsp.Body = FrameError, JSON(wireError(err))
			mx.callInErr.Add(1)
		}

		s.mu.Lock()
		delete(s.active, f.ID)
		closed := s.closed
		s.mu.Unlock()

		// The call may have been cancelled while the handler ran; the
		// response is sent regardless, and the peer drops it if it no longer
		// has a handler for the ID.
		if !closed {
			s.fc.send(rsp)
		}
		return nil
	})
}

// startListen subscribes to the channel's event stream and forwards each
// emission to the remote subscriber.
func (s *Server) startListen(svc Service, f Frame) {
	pctx := context.WithValue(s.base(), peerContextKey{}, s.peer)
	ctx, cancel := context.WithCancel(pctx)

	stream, err := func() (_ *Stream, err error) {
		defer func() {
			if x := recover(); x != nil && err == nil {
				err = fmt.Errorf("handler panicked (recovered): %v", x)
			}
		}()
		return svc.Listen(ctx, f.Name, f.Body)
	}()
	if err != nil {
		cancel()
		mx.callInErr.Add(1)
		s.fc.send(Frame{Type: FrameError, ID: f.ID, Body: JSON(wireError(err))})
		return
	}

	id := f.ID
	unsub := stream.Subscribe(func(v Value) {
		s.fc.send(Frame{Type: FrameEvent, ID: id, Body: v})
	})
	stop := func() { unsub(); cancel(); mx.eventActive.Add(-1) }

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsub()
		cancel()
		return
	}
	s.active[id] = stop
	s.mu.Unlock()
	mx.eventActive.Add(1)
}

// disposeActive releases the active request with the given ID: for a call,
// its context is cancelled; for a subscription, it is unsubscribed. Unknown
// IDs are silently ignored.
func (s *Server) disposeActive(id uint32) {
	s.mu.Lock()
	stop, ok := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()
	if ok {
		stop()
	}
}
