// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package duplex_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/duplex"
	"github.com/creachadair/duplex/handler"
	"github.com/creachadair/duplex/pair"
	"github.com/creachadair/duplex/transport"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

// testTimeout bounds waits on channels in tests that would otherwise hang
// on a protocol bug.
const testTimeout = 5 * time.Second

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for a value")
		panic("unreachable")
	}
}

// A frameLog collects the frames sent on a connection.
type frameLog struct {
	mu   sync.Mutex
	sent []duplex.Frame
}

func (fl *frameLog) log(fr duplex.FrameInfo) {
	if !fr.Sent {
		return
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.sent = append(fl.sent, fr.Frame)
}

// sentTypes reports the types of the sent frames, in order.
func (fl *frameLog) sentTypes() []duplex.FrameType {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	types := make([]duplex.FrameType, len(fl.sent))
	for i, f := range fl.sent {
		types[i] = f.Type
	}
	return types
}

// echoService returns a service whose "ping" command echoes its string
// argument with a "!" suffix.
func echoService() *handler.Map {
	return handler.NewMap().Command("ping", handler.Command(func(_ context.Context, s string) (string, error) {
		return s + "!", nil
	}))
}

func TestCallRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()

	loc := pair.NewLocal("main", nil)
	defer loc.Stop()

	loc.Server.Register("svc", echoService())

	ctx := context.Background()
	ch := loc.Client.Channel("svc")

	rsp, err := ch.Call(ctx, "ping", duplex.String("hi"))
	if err != nil {
		t.Fatalf("Call ping: unexpected error: %v", err)
	}
	if got := string(rsp.(duplex.String)); got != "hi!" {
		t.Errorf("Call ping: got %q, want %q", got, "hi!")
	}

	// An unknown command reports a structured error.
	if rsp, err := ch.Call(ctx, "nonesuch", duplex.Undefined{}); err == nil {
		t.Errorf("Call nonesuch: got %v, want error", rsp)
	} else if we := new(duplex.WireError); !errors.As(err, &we) {
		t.Errorf("Call nonesuch: got error %[1]T (%[1]v), want *WireError", err)
	}
}

func TestLateRegistration(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("Drained", func(t *testing.T) {
		loc := pair.NewLocal("main", &duplex.ServerOptions{PendingTimeout: time.Second})
		defer loc.Stop()

		rspc := make(chan duplex.Value, 1)
		errc := make(chan error, 1)
		go func() {
			rsp, err := loc.Client.Channel("svc").Call(context.Background(), "ping", duplex.String("hi"))
			rspc <- rsp
			errc <- err
		}()

		// Register the channel well after the call went out, but before the
		// pending timeout.
		time.Sleep(100 * time.Millisecond)
		loc.Server.Register("svc", echoService())

		rsp, err := next(t, rspc), next(t, errc)
		if err != nil {
			t.Fatalf("Call ping: unexpected error: %v", err)
		}
		if got := string(rsp.(duplex.String)); got != "hi!" {
			t.Errorf("Call ping: got %q, want %q", got, "hi!")
		}
	})

	t.Run("TimedOut", func(t *testing.T) {
		loc := pair.NewLocal("main", &duplex.ServerOptions{PendingTimeout: 100 * time.Millisecond})
		defer loc.Stop()

		rsp, err := loc.Client.Channel("absent").Call(context.Background(), "ping", duplex.String("hi"))
		if err == nil {
			t.Fatalf("Call ping: got %v, want error", rsp)
		}
		if !duplex.IsUnknownChannel(err) {
			t.Errorf("Call ping: got error %v, want unknown channel", err)
		}
	})
}

func TestCancelBeforeReady(t *testing.T) {
	defer leaktest.Check(t)()

	// With no server on the other end, the client never becomes ready.
	a, b := transport.Direct()
	cli := duplex.NewClient(a, nil)
	defer cli.Close()
	defer b.Close() // unblocks the client's receive loop first

	fl := new(frameLog)
	cli.LogFrames(fl.log)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if rsp, err := cli.Channel("svc").Call(ctx, "work", duplex.Undefined{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Call work: got %v, %v; want %v", rsp, err, context.Canceled)
	}

	// Cancellation while waiting for readiness must also suppress the send.
	ctx2, cancel2 := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := cli.Channel("svc").Call(ctx2, "work", duplex.Undefined{})
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel2()
	if err := next(t, errc); !errors.Is(err, context.Canceled) {
		t.Errorf("Call work: got error %v, want %v", err, context.Canceled)
	}

	if got := fl.sentTypes(); len(got) != 0 {
		t.Errorf("Sent frames: got %v, want none", got)
	}
}

func TestCancelAfterSend(t *testing.T) {
	defer leaktest.Check(t)()

	loc := pair.NewLocal("main", nil)
	defer loc.Stop()

	started := make(chan struct{})
	stopped := make(chan struct{})
	loc.Server.Register("svc", handler.NewMap().
		Command("work", func(ctx context.Context, _ duplex.Value) (duplex.Value, error) {
			close(started)
			<-ctx.Done() // hold the call until cancelled
			close(stopped)
			return nil, ctx.Err()
		}))

	fl := new(frameLog)
	loc.Client.LogFrames(fl.log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		_, err := loc.Client.Channel("svc").Call(ctx, "work", duplex.Undefined{})
		errc <- err
	}()

	next(t, started)
	cancel()

	if err := next(t, errc); !errors.Is(err, context.Canceled) {
		t.Errorf("Call work: got error %v, want %v", err, context.Canceled)
	}
	next(t, stopped) // the handler's context was cancelled

	// The wire carried the call followed by its cancellation.
	want := []duplex.FrameType{duplex.FrameCall, duplex.FrameCancel}
	if diff := cmp.Diff(want, fl.sentTypes()); diff != "" {
		t.Errorf("Sent frames (-want, +got):\n%s", diff)
	}
}

func TestEventFanout(t *testing.T) {
	defer leaktest.Check(t)()

	loc := pair.NewLocal("main", nil)
	defer loc.Stop()

	// The server subscribes only after the event handler returns; the buffer
	// retains any tick fired in between.
	ticks := duplex.NewStream().Buffer(3)
	listening := make(chan struct{})
	loc.Server.Register("svc", handler.NewMap().
		Event("tick", func(ctx context.Context, _ duplex.Value) *duplex.Stream {
			if peer := duplex.ContextPeerID(ctx); peer != "main" {
				t.Errorf("Listen peer ID: got %q, want %q", peer, "main")
			}
			close(listening)
			return ticks
		}))

	fl := new(frameLog)
	loc.Client.LogFrames(fl.log)

	grab := func(ch chan string) func(duplex.Value) {
		return func(v duplex.Value) { ch <- string(v.(duplex.Object)) }
	}
	ca := make(chan string, 10)
	cb := make(chan string, 10)

	ev := loc.Client.Channel("svc").Listen("tick", duplex.Undefined{})
	stopA := ev.Subscribe(grab(ca))
	stopB := ev.Subscribe(grab(cb))

	next(t, listening) // the server has invoked the event handler

	for i := 1; i <= 3; i++ {
		ticks.Fire(duplex.JSON(i))
	}
	for i := 1; i <= 3; i++ {
		want := fmt.Sprint(i)
		if got := next(t, ca); got != want {
			t.Errorf("Subscriber A event %d: got %q, want %q", i, got, want)
		}
		if got := next(t, cb); got != want {
			t.Errorf("Subscriber B event %d: got %q, want %q", i, got, want)
		}
	}

	stopA()
	ticks.Fire(duplex.JSON(4))
	if got := next(t, cb); got != "4" {
		t.Errorf("Subscriber B event 4: got %q, want %q", got, "4")
	}
	select {
	case v := <-ca:
		t.Errorf("Subscriber A after unsubscribe: unexpected value %q", v)
	default:
	}

	// Only after the last subscriber detaches is the subscription disposed,
	// and exactly once.
	if n := countType(fl.sentTypes(), duplex.FrameDispose); n != 0 {
		t.Errorf("Dispose frames before last unsubscribe: got %d, want 0", n)
	}
	stopB()
	if n := countType(fl.sentTypes(), duplex.FrameDispose); n != 1 {
		t.Errorf("Dispose frames after last unsubscribe: got %d, want 1", n)
	}
}

func countType(types []duplex.FrameType, want duplex.FrameType) int {
	var n int
	for _, t := range types {
		if t == want {
			n++
		}
	}
	return n
}

func TestLateListen(t *testing.T) {
	defer leaktest.Check(t)()

	loc := pair.NewLocal("main", &duplex.ServerOptions{PendingTimeout: 50 * time.Millisecond})
	defer loc.Stop()

	vals := make(chan string, 10)
	stop := loc.Client.Channel("svc").Listen("tick", duplex.Undefined{}).
		Subscribe(func(v duplex.Value) { vals <- string(v.(duplex.Object)) })
	defer stop()

	// Subscriptions pend without expiry: register well after the pending
	// timeout for calls would have elapsed.
	time.Sleep(150 * time.Millisecond)

	ticks := duplex.NewStream().Buffer(1)
	ticks.Fire(duplex.JSON("early")) // retained for the first subscriber
	loc.Server.Register("svc", handler.NewMap().Stream("tick", ticks))

	if got := next(t, vals); got != `"early"` {
		t.Errorf("First event: got %q, want %q", got, `"early"`)
	}
	ticks.Fire(duplex.JSON("later"))
	if got := next(t, vals); got != `"later"` {
		t.Errorf("Second event: got %q, want %q", got, `"later"`)
	}
}

func TestErrorShape(t *testing.T) {
	defer leaktest.Check(t)()

	loc := pair.NewLocal("main", nil)
	defer loc.Stop()

	werr := &duplex.WireError{
		Name:    "CustomError",
		Message: "nope",
		Stack:   []string{"line1", "line2"},
	}
	loc.Server.Register("svc", handler.NewMap().
		Command("fail", func(context.Context, duplex.Value) (duplex.Value, error) {
			return nil, werr
		}).
		Command("reject", func(context.Context, duplex.Value) (duplex.Value, error) {
			return nil, &duplex.PayloadError{Value: duplex.JSON(map[string]int{"code": 412})}
		}))

	ctx := context.Background()
	ch := loc.Client.Channel("svc")

	t.Run("Structured", func(t *testing.T) {
		_, err := ch.Call(ctx, "fail", duplex.Undefined{})
		got := new(duplex.WireError)
		if !errors.As(err, &got) {
			t.Fatalf("Call fail: got error %[1]T (%[1]v), want *WireError", err)
		}
		if diff := cmp.Diff(werr, got); diff != "" {
			t.Errorf("Wrong error (-want, +got):\n%s", diff)
		}
	})

	t.Run("Payload", func(t *testing.T) {
		_, err := ch.Call(ctx, "reject", duplex.Undefined{})
		got := new(duplex.PayloadError)
		if !errors.As(err, &got) {
			t.Fatalf("Call reject: got error %[1]T (%[1]v), want *PayloadError", err)
		}
		want := &duplex.PayloadError{Value: duplex.Object(`{"code":412}`)}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Wrong error (-want, +got):\n%s", diff)
		}
	})
}

func TestDuplicateResponseIgnored(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := transport.Direct()
	cli := duplex.NewClient(a, nil)
	defer cli.Close()
	defer b.Close() // unblocks the client's receive loop first

	// Drive the server side of the protocol by hand: answer the first call
	// twice with the same request ID.
	go func() {
		b.Send(duplex.Frame{Type: duplex.FrameInitialize}.Encode())
		msg, err := b.Recv()
		if err != nil {
			return
		}
		var f duplex.Frame
		if err := f.UnmarshalBinary(msg); err != nil {
			return
		}
		b.Send(duplex.Frame{Type: duplex.FrameSuccess, ID: f.ID, Body: duplex.String("first")}.Encode())
		b.Send(duplex.Frame{Type: duplex.FrameSuccess, ID: f.ID, Body: duplex.String("second")}.Encode())
	}()

	rsp, err := cli.Channel("svc").Call(context.Background(), "go", duplex.Undefined{})
	if err != nil {
		t.Fatalf("Call go: unexpected error: %v", err)
	}
	if got := string(rsp.(duplex.String)); got != "first" {
		t.Errorf("Call go: got %q, want %q", got, "first")
	}
}

// whoamiService reports the peer ID recorded by the server that dispatched
// the call.
func whoamiService() *handler.Map {
	return handler.NewMap().Command("id", handler.Query(func(ctx context.Context) (string, error) {
		return duplex.ContextPeerID(ctx), nil
	}))
}

func TestHubService(t *testing.T) {
	defer leaktest.Check(t)()

	h := pair.NewHub(nil)
	defer h.Stop()

	h.Hub.Register("svc", whoamiService())

	ep := h.Connect("window-1")
	defer ep.Close()

	rsp, err := ep.Channel("svc").Call(context.Background(), "id", duplex.Undefined{})
	if err != nil {
		t.Fatalf("Call id: unexpected error: %v", err)
	}
	if got := string(rsp.(duplex.String)); got != "window-1" {
		t.Errorf("Call id: got %q, want %q", got, "window-1")
	}
}

func TestRouterWaitsForPeer(t *testing.T) {
	defer leaktest.Check(t)()

	h := pair.NewHub(nil)
	defer h.Stop()

	epA := h.Connect("A")
	defer epA.Close()
	epA.Register("svc", whoamiService())
	epB := h.Connect("B")
	defer epB.Close()
	epB.Register("svc", whoamiService())

	ch := h.Hub.Channel("svc", duplex.StaticRouter{
		Match: func(peer string) bool { return peer == "C" },
	})

	rspc := make(chan duplex.Value, 1)
	errc := make(chan error, 1)
	go func() {
		rsp, err := ch.Call(context.Background(), "id", duplex.Undefined{})
		rspc <- rsp
		errc <- err
	}()

	// Give the router time to park, then connect the matching peer.
	time.Sleep(100 * time.Millisecond)
	epC := h.Connect("C")
	defer epC.Close()
	epC.Register("svc", whoamiService())

	rsp, err := next(t, rspc), next(t, errc)
	if err != nil {
		t.Fatalf("Call id: unexpected error: %v", err)
	}
	if got := string(rsp.(duplex.String)); got != "C" {
		t.Errorf("Call id: routed to %q, want %q", got, "C")
	}
}

func TestDelayedChannel(t *testing.T) {
	defer leaktest.Check(t)()

	loc := pair.NewLocal("main", nil)
	defer loc.Stop()
	loc.Server.Register("svc", echoService())

	release := make(chan struct{})
	ch := duplex.NewDelayedChannel(func(ctx context.Context) (duplex.Channel, error) {
		select {
		case <-release:
			return loc.Client.Channel("svc"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	rspc := make(chan duplex.Value, 1)
	go func() {
		rsp, err := ch.Call(context.Background(), "ping", duplex.String("hey"))
		if err != nil {
			t.Errorf("Call ping: unexpected error: %v", err)
		}
		rspc <- rsp
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	if got := string(next(t, rspc).(duplex.String)); got != "hey!" {
		t.Errorf("Call ping: got %q, want %q", got, "hey!")
	}
}

func TestNextTickChannel(t *testing.T) {
	defer leaktest.Check(t)()

	loc := pair.NewLocal("main", nil)
	defer loc.Stop()
	loc.Server.Register("svc", echoService())

	ch := duplex.NewNextTickChannel(loc.Client.Channel("svc"))
	for _, in := range []string{"a", "b"} {
		rsp, err := ch.Call(context.Background(), "ping", duplex.String(in))
		if err != nil {
			t.Fatalf("Call ping: unexpected error: %v", err)
		}
		if got := string(rsp.(duplex.String)); got != in+"!" {
			t.Errorf("Call ping: got %q, want %q", got, in+"!")
		}
	}
}

func BenchmarkCall(b *testing.B) {
	loc := pair.NewLocal("main", nil)
	defer loc.Stop()
	loc.Server.Register("svc", handler.NewMap().
		Command("echo", func(_ context.Context, arg duplex.Value) (duplex.Value, error) {
			return arg, nil
		}))

	ctx := context.Background()
	ch := loc.Client.Channel("svc")
	arg := duplex.Buffer("some modest payload")

	b.ResetTimer()
	for b.Loop() {
		if _, err := ch.Call(ctx, "echo", arg); err != nil {
			b.Fatal(err)
		}
	}
}
