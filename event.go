// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package duplex

import "sync"

// A Stream is a multicast source of event values. A zero Stream is ready for
// use. Values fired while no subscriber is attached are discarded unless a
// retention buffer is enabled with Buffer.
//
// The methods of a Stream are safe for concurrent use. Subscriber callbacks
// are invoked synchronously with Fire, outside the stream's own lock, so a
// callback may subscribe or unsubscribe.
type Stream struct {
	mu   sync.Mutex
	subs map[int]func(Value)
	next int
	buf  []Value // values retained while no subscriber is attached
	keep int     // retention capacity; 0 disables retention

	// Hooks observed by the channel plumbing: onFirst runs when the
	// subscriber count rises from zero, onLast when it returns to zero.
	onFirst func()
	onLast  func()
}

// NewStream constructs a new stream with no subscribers.
func NewStream() *Stream { return new(Stream) }

// Buffer sets s to retain up to n values fired while no subscriber is
// attached. The retained values are replayed, in order, to the next
// subscriber that attaches; when the buffer is full the oldest value is
// dropped. Buffer returns s to permit chaining.
func (s *Stream) Buffer(n int) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keep = n
	return s
}

// Fire delivers v to all current subscribers.
func (s *Stream) Fire(v Value) {
	s.mu.Lock()
	if len(s.subs) == 0 {
		if s.keep > 0 {
			if len(s.buf) == s.keep {
				s.buf = s.buf[1:]
			}
			s.buf = append(s.buf, v)
		}
		s.mu.Unlock()
		return
	}
	fns := make([]func(Value), 0, len(s.subs))
	for _, f := range s.subs {
		fns = append(fns, f)
	}
	s.mu.Unlock()

	for _, f := range fns {
		f(v)
	}
}

// Subscribe attaches f to s and returns a function that detaches it.
// The returned function is idempotent. If s has retained values, they are
// replayed to f before Subscribe returns.
func (s *Stream) Subscribe(f func(Value)) (stop func()) {
	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[int]func(Value))
	}
	first := len(s.subs) == 0
	id := s.next
	s.next++
	s.subs[id] = f
	replay := s.buf
	s.buf = nil
	onFirst := s.onFirst
	s.mu.Unlock()

	for _, v := range replay {
		f(v)
	}
	if first && onFirst != nil {
		onFirst()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			last := len(s.subs) == 0
			onLast := s.onLast
			s.mu.Unlock()
			if last && onLast != nil {
				onLast()
			}
		})
	}
}

// A Relay is a stream whose input can be rebound to another stream while
// subscribers remain attached. The relay forwards from its current input
// only while it has at least one subscriber, so demand propagates through
// to the input stream.
type Relay struct {
	Stream

	rmu    sync.Mutex
	input  *Stream
	stop   func()
	active bool
}

// NewRelay constructs a new relay with no input.
func NewRelay() *Relay {
	r := new(Relay)
	r.Stream.onFirst = r.attach
	r.Stream.onLast = r.detach
	return r
}

// SetInput rebinds r to forward values fired on s. Any previous input is
// released.
func (r *Relay) SetInput(s *Stream) {
	r.rmu.Lock()
	defer r.rmu.Unlock()
	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
	r.input = s
	if r.active {
		r.stop = s.Subscribe(r.Fire)
	}
}

func (r *Relay) attach() {
	r.rmu.Lock()
	defer r.rmu.Unlock()
	r.active = true
	if r.input != nil && r.stop == nil {
		r.stop = r.input.Subscribe(r.Fire)
	}
}

func (r *Relay) detach() {
	r.rmu.Lock()
	defer r.rmu.Unlock()
	r.active = false
	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
}
