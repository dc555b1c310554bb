// Program duplex is a command-line utility for hosting and exercising
// duplex IPC channels over sockets.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/command"
	"github.com/creachadair/duplex"
	"github.com/creachadair/duplex/handler"
	"github.com/creachadair/duplex/transport"
	"github.com/creachadair/flax"
)

var flags struct {
	Address string `flag:"address,Listen or dial address (host:port or socket path)"`
	Peer    string `flag:"peer,Peer ID announced in the handshake"`
	Verbose bool   `flag:"v,Log frames exchanged with the peer"`
}

func init() { flags.Peer = "duplex-cli" }

var serveFlags struct {
	Config  string        `flag:"config,Path of an optional TOML profile"`
	Timeout time.Duration `flag:"pending-timeout,Timeout for calls to unregistered channels"`
}

// profile is the TOML configuration accepted by the serve command. Flags
// override the corresponding profile settings.
type profile struct {
	Address        string `toml:"address"`
	PendingTimeout string `toml:"pendingTimeout"` // duration string, e.g. "1s"
	LogFrames      bool   `toml:"logFrames"`
}

func loadProfile(path string) (*profile, error) {
	var p profile
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	return &p, nil
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Host and exercise duplex IPC channels over sockets.",

		SetFlags: command.Flags(flax.MustBind, &flags),

		Commands: []*command.C{
			{
				Name: "serve",
				Help: `Serve the built-in diagnostic channel on the given address.

The "diag" channel provides the commands:

  ping  : echo the argument string with a suffix
  time  : report the current server time
  peer  : report the caller's peer ID

and a "tick" event that fires once per second.`,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "call",
				Usage: "<channel> <method> [<json-arg>]",
				Help:  "Call a method on a channel hosted by the server.",
				Run:   runCall,
			},
			{
				Name:  "listen",
				Usage: "<channel> <event> [<json-arg>]",
				Help:  "Subscribe to an event on a channel and print each emission.",
				Run:   runListen,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func frameLogger() duplex.FrameLogger {
	if !flags.Verbose {
		return nil
	}
	return func(fr duplex.FrameInfo) { fmt.Fprintln(os.Stderr, fr) }
}

func runServe(env *command.Env) error {
	opts := &duplex.HubOptions{
		PendingTimeout: serveFlags.Timeout,
		LogFrames:      frameLogger(),
	}
	addr := flags.Address
	if serveFlags.Config != "" {
		p, err := loadProfile(serveFlags.Config)
		if err != nil {
			return err
		}
		if addr == "" {
			addr = p.Address
		}
		if opts.PendingTimeout == 0 && p.PendingTimeout != "" {
			d, err := time.ParseDuration(p.PendingTimeout)
			if err != nil {
				return fmt.Errorf("invalid pendingTimeout: %w", err)
			}
			opts.PendingTimeout = d
		}
		if p.LogFrames && opts.LogFrames == nil {
			opts.LogFrames = func(fr duplex.FrameInfo) { fmt.Fprintln(os.Stderr, fr) }
		}
	}
	if addr == "" {
		return env.Usagef("missing --address")
	}

	ntype, naddr := transport.SplitAddress(addr)
	lst, err := net.Listen(ntype, naddr)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "serving %q on %s %q\n", "diag", ntype, naddr)

	ticks := duplex.NewStream().Buffer(1)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	go func() {
		t := time.NewTicker(1 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				ticks.Fire(duplex.JSON(now.Unix()))
			}
		}
	}()

	hub := duplex.NewHub(opts)
	defer hub.Close()
	hub.Register("diag", handler.NewMap().
		Command("ping", handler.Command(func(_ context.Context, arg string) (string, error) {
			return arg + "!", nil
		})).
		Command("time", handler.Query(func(context.Context) (string, error) {
			return time.Now().Format(time.RFC3339), nil
		})).
		Command("peer", handler.Query(func(ctx context.Context) (string, error) {
			return duplex.ContextPeerID(ctx), nil
		})).
		Stream("tick", ticks))

	return hub.Serve(ctx, transport.NetAccepter(lst))
}

// dial connects to the configured address and returns an endpoint over the
// connection.
func dial(env *command.Env) (*duplex.Endpoint, error) {
	if flags.Address == "" {
		return nil, env.Usagef("missing --address")
	}
	ntype, naddr := transport.SplitAddress(flags.Address)
	conn, err := net.Dial(ntype, naddr)
	if err != nil {
		return nil, err
	}
	return duplex.NewEndpoint(transport.IO(conn, conn), flags.Peer, &duplex.EndpointOptions{
		LogFrames: frameLogger(),
	}), nil
}

// parseArg renders an optional command-line argument as a wire value. Valid
// JSON is passed as an object value; anything else is passed as a string.
func parseArg(args []string) duplex.Value {
	if len(args) == 0 {
		return duplex.Undefined{}
	}
	if json.Valid([]byte(args[0])) {
		return duplex.Object(args[0])
	}
	return duplex.String(args[0])
}

func runCall(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("required: <channel> <method>")
	}
	ep, err := dial(env)
	if err != nil {
		return err
	}
	defer ep.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	rsp, err := ep.Channel(env.Args[0]).Call(ctx, env.Args[1], parseArg(env.Args[2:]))
	if err != nil {
		return err
	}
	fmt.Println(renderResult(rsp))
	return nil
}

func runListen(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("required: <channel> <event>")
	}
	ep, err := dial(env)
	if err != nil {
		return err
	}
	defer ep.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	stop := ep.Channel(env.Args[0]).Listen(env.Args[1], parseArg(env.Args[2:])).
		Subscribe(func(v duplex.Value) { fmt.Println(renderResult(v)) })
	defer stop()

	<-ctx.Done()
	return nil
}

func renderResult(v duplex.Value) string {
	switch t := v.(type) {
	case nil:
		return ""
	case duplex.String:
		return string(t)
	case duplex.Object:
		return string(t)
	case duplex.Buffer:
		return fmt.Sprintf("%x", []byte(t))
	case duplex.Binary:
		return fmt.Sprintf("%x", []byte(t))
	default:
		return fmt.Sprint(v)
	}
}
