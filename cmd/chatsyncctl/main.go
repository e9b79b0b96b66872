package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/profile"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const callTimeout = 10 * time.Second

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	socketPath := profile.SocketPath(profileName)
	if args[0] == "start" {
		cmdStart(profileName, socketPath)
		return
	}

	c, err := api.Dial(socketPath)
	if err != nil {
		fatalf("cannot connect to daemon for profile %q: %v", profileName, err)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		prefix := ""
		if len(args) >= 2 {
			prefix = args[1]
		}
		cmdWatch(c, prefix, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "view":
		st, err := c.View(ctx)
		check(err)
		outputJSON(st)
	case "open":
		need(args, 2, "open <conversation-id>")
		check(c.Open(ctx, args[1]))
	case "close":
		check(c.CloseConversation(ctx))
	case "send":
		need(args, 3, "send <conversation-id> <text>")
		id, err := c.Send(ctx, args[1], args[2])
		check(err)
		fmt.Println(id)
	case "retry":
		need(args, 2, "retry <client-id>")
		check(c.Retry(ctx, args[1]))
	case "react":
		need(args, 3, "react <message-id> <emoji>")
		check(c.React(ctx, args[1], args[2]))
	case "focus":
		need(args, 2, "focus on|off")
		check(c.Focus(ctx, onOff(args[1])))
	case "typing":
		need(args, 3, "typing <conversation-id> on|off")
		check(c.Typing(ctx, args[1], onOff(args[2])))
	case "older":
		n, err := c.LoadOlder(ctx)
		check(err)
		fmt.Printf("Loaded %d older messages\n", n)
	case "reconcile":
		n, err := c.Reconcile(ctx)
		check(err)
		fmt.Printf("Unread conversations: %d\n", n)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  start                      Start the daemon if it is not running")
	fmt.Fprintln(os.Stderr, "  status                     Show connection and unread status")
	fmt.Fprintln(os.Stderr, "  view                       Print the full view as JSON")
	fmt.Fprintln(os.Stderr, "  watch [prefix]             Stream events, e.g. watch unread.")
	fmt.Fprintln(os.Stderr, "  open <id>                  Open a conversation")
	fmt.Fprintln(os.Stderr, "  close                      Close the open conversation")
	fmt.Fprintln(os.Stderr, "  send <id> <text>           Send a message")
	fmt.Fprintln(os.Stderr, "  retry <client-id>          Retry a failed send")
	fmt.Fprintln(os.Stderr, "  react <msg-id> <emoji>     React to a message")
	fmt.Fprintln(os.Stderr, "  focus on|off               Report view focus")
	fmt.Fprintln(os.Stderr, "  typing <id> on|off         Report local typing")
	fmt.Fprintln(os.Stderr, "  older                      Load older messages")
	fmt.Fprintln(os.Stderr, "  reconcile                  Refetch conversations")
}

func cmdStatus(ctx context.Context, c *api.Client, jsonOut bool) {
	st, err := c.Status(ctx)
	check(err)
	if jsonOut {
		outputJSON(st)
		return
	}
	f := st.GetFields()
	fmt.Printf("Profile: %s\n", f["profile"].GetStringValue())
	fmt.Printf("User:    %s\n", f["user_id"].GetStringValue())
	fmt.Printf("Status:  %s\n", f["state"].GetStringValue())
	fmt.Printf("Uptime:  %.0fms\n", f["uptime_ms"].GetNumberValue())
	fmt.Printf("Unread:  %.0f of %.0f conversations\n", f["unread"].GetNumberValue(), f["conversations"].GetNumberValue())
	if active := f["active"].GetStringValue(); active != "" {
		fmt.Printf("Open:    %s\n", active)
	}
}

func cmdWatch(c *api.Client, prefix string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := c.Watch(ctx, prefix)
	check(err)
	for {
		env, err := stream.Recv()
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return
		}
		check(err)
		if jsonOut {
			outputJSON(env)
			continue
		}
		printEvent(env)
	}
}

func printEvent(env *structpb.Struct) {
	f := env.GetFields()
	ts := time.UnixMilli(int64(f["occurred_at_unix_ms"].GetNumberValue()))
	payload := ""
	if p, ok := f["payload"]; ok {
		data, err := protojson.Marshal(p)
		if err == nil {
			payload = string(data)
		}
	}
	fmt.Printf("%s %-28s %s\n", ts.Format("15:04:05.000"), f["kind"].GetStringValue(), payload)
}

func outputJSON(m proto.Message) {
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func onOff(s string) bool {
	switch s {
	case "on":
		return true
	case "off":
		return false
	}
	fatalf("expected on or off, got %q", s)
	return false
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fatalf("usage: chatsyncctl %s", usage)
	}
}

func check(err error) {
	if err != nil {
		fatalf("%v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// probeDaemon checks that a daemon answers health checks on the socket.
func probeDaemon(socketPath string) bool {
	c, err := api.Dial(socketPath)
	if err != nil {
		return false
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{})
	return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}
