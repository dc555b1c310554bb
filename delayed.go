// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package duplex

import (
	"context"
	"sync"
)

// NewDelayedChannel returns a channel backed by a channel that is not yet
// available. Calls resolve the backing channel by invoking open, then call
// through; event streams are relayed, binding to the backing channel once
// it resolves. The first successful result of open is memoized; open may be
// invoked again if an earlier invocation failed or two resolve races occur.
//
// This lets a caller hold a usable channel before the producing decision
// (routing, connection setup) has completed.
func NewDelayedChannel(open func(ctx context.Context) (Channel, error)) Channel {
	return &delayedChannel{open: open}
}

type delayedChannel struct {
	open func(ctx context.Context) (Channel, error)

	mu sync.Mutex
	ch Channel // the resolved channel, nil until open succeeds
}

func (d *delayedChannel) resolve(ctx context.Context) (Channel, error) {
	d.mu.Lock()
	ch := d.ch
	d.mu.Unlock()
	if ch != nil {
		return ch, nil
	}
	ch, err := d.open(ctx)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.ch == nil {
		d.ch = ch
	}
	ch = d.ch
	d.mu.Unlock()
	return ch, nil
}

// Call implements part of the [Channel] interface.
func (d *delayedChannel) Call(ctx context.Context, name string, arg Value) (Value, error) {
	ch, err := d.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return ch.Call(ctx, name, arg)
}

// Listen implements part of the [Channel] interface. The returned stream is
// valid immediately; it forwards from the backing channel's event once the
// channel resolves.
func (d *delayedChannel) Listen(name string, arg Value) *Stream {
	r := NewRelay()
	go func() {
		ch, err := d.resolve(context.Background())
		if err != nil {
			return
		}
		r.SetInput(ch.Listen(name, arg))
	}()
	return &r.Stream
}

// NewNextTickChannel returns a channel that defers its first operation by
// one scheduler tick, then proxies directly to ch. This keeps a request
// from going out before the transport has finished its own same-tick setup.
func NewNextTickChannel(ch Channel) Channel {
	return &nextTickChannel{ch: ch, ready: make(chan struct{})}
}

type nextTickChannel struct {
	ch    Channel
	once  sync.Once
	ready chan struct{}
}

// arm schedules the ready signal on a fresh goroutine, so waiters resume
// only after the current goroutine has yielded to the scheduler.
func (n *nextTickChannel) arm() {
	n.once.Do(func() {
		go func() { close(n.ready) }()
	})
}

// Call implements part of the [Channel] interface.
func (n *nextTickChannel) Call(ctx context.Context, name string, arg Value) (Value, error) {
	n.arm()
	select {
	case <-n.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return n.ch.Call(ctx, name, arg)
}

// Listen implements part of the [Channel] interface.
func (n *nextTickChannel) Listen(name string, arg Value) *Stream {
	n.arm()
	select {
	case <-n.ready:
		return n.ch.Listen(name, arg) // the deferral has already elapsed
	default:
	}
	r := NewRelay()
	go func() {
		<-n.ready
		r.SetInput(n.ch.Listen(name, arg))
	}()
	return &r.Stream
}
