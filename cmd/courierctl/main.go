package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/courier/internal/account"
	"github.com/matheus3301/courier/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

func main() {
	accountFlag := flag.String("account", "", "account name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	name := account.Resolve(*accountFlag)
	if err := account.ValidateName(name); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	conn, err := grpc.NewClient(
		"unix://"+account.SocketPath(name),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		fatalf("cannot connect to daemon for account %q: %v", name, err)
	}
	defer func() { _ = conn.Close() }()
	c := api.NewClient(conn)

	if args[0] == "watch" {
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdWatch(c, prefix, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	method, req := request(args)
	resp, err := c.Call(ctx, method, req)
	if err != nil {
		fatalf("%v", err)
	}
	if *jsonFlag {
		outputJSON(resp.AsMap())
		return
	}
	printResult(args[0], resp)
}

func request(args []string) (string, map[string]any) {
	need := func(n int, usage string) {
		if len(args) < n+1 {
			fatalf("usage: courierctl %s", usage)
		}
	}
	switch args[0] {
	case "status":
		return "Status", nil
	case "compose":
		need(2, "compose <conversation> <text>")
		return "Compose", map[string]any{
			"conversation_id": args[1],
			"body":            strings.Join(args[2:], " "),
		}
	case "attach":
		need(2, "attach <conversation> <path> [caption]")
		req := map[string]any{"conversation_id": args[1], "attachment_path": args[2]}
		if len(args) > 3 {
			req["body"] = strings.Join(args[3:], " ")
		}
		return "Compose", req
	case "list":
		need(1, "list <conversation>")
		return "ListMessages", map[string]any{"conversation_id": args[1]}
	case "older":
		need(1, "older <conversation>")
		return "LoadOlder", map[string]any{"conversation_id": args[1]}
	case "read":
		need(1, "read <conversation>")
		return "MarkRead", map[string]any{"conversation_id": args[1]}
	case "retry":
		need(1, "retry <local id>")
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			fatalf("invalid local id %q", args[1])
		}
		return "Retry", map[string]any{"local_id": float64(id)}
	case "conversations":
		return "ListConversations", nil
	case "search":
		need(1, "search <query>")
		return "Search", map[string]any{"query": strings.Join(args[1:], " ")}
	case "presence":
		need(1, "presence <foreground|background>")
		switch args[1] {
		case "foreground", "background":
		default:
			fatalf("usage: courierctl presence <foreground|background>")
		}
		return "SetPresence", map[string]any{"background": args[1] == "background"}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	return "", nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: courierctl [--account <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                         Show connection status")
	fmt.Fprintln(os.Stderr, "  compose <conv> <text>          Send a text message")
	fmt.Fprintln(os.Stderr, "  attach <conv> <path> [caption] Send a file")
	fmt.Fprintln(os.Stderr, "  list <conv>                    List recent messages")
	fmt.Fprintln(os.Stderr, "  older <conv>                   Fetch older history from the server")
	fmt.Fprintln(os.Stderr, "  read <conv>                    Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  retry <local id>               Retry a failed send")
	fmt.Fprintln(os.Stderr, "  conversations                  List conversations")
	fmt.Fprintln(os.Stderr, "  search <query>                 Search message bodies")
	fmt.Fprintln(os.Stderr, "  presence <foreground|background>")
	fmt.Fprintln(os.Stderr, "  watch [prefix]                 Stream engine events")
}

func printResult(cmd string, resp *structpb.Struct) {
	f := resp.GetFields()
	switch cmd {
	case "status":
		fmt.Printf("Account: %s\n", f["account"].GetStringValue())
		fmt.Printf("Owner:   %s\n", f["owner_id"].GetStringValue())
		fmt.Printf("State:   %s\n", f["state"].GetStringValue())
		fmt.Printf("Uptime:  %.0fms\n", f["uptime_ms"].GetNumberValue())
	case "compose", "attach":
		printMessage(f)
	case "list", "search":
		msgs := f["messages"].GetListValue().GetValues()
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return
		}
		for _, v := range msgs {
			printMessage(v.GetStructValue().GetFields())
		}
	case "older":
		fmt.Printf("Fetched %.0f, inserted %.0f", f["fetched"].GetNumberValue(), f["inserted"].GetNumberValue())
		if f["exhausted"].GetBoolValue() {
			fmt.Print(" (start of history)")
		}
		fmt.Println()
	case "conversations":
		list := f["conversations"].GetListValue().GetValues()
		if len(list) == 0 {
			fmt.Println("No conversations.")
			return
		}
		for _, v := range list {
			s := v.GetStructValue().GetFields()
			fmt.Printf("%-32s %3.0f unread  %-9s %s\n",
				s["conversation_id"].GetStringValue(),
				s["unread_count"].GetNumberValue(),
				s["last_message_status"].GetStringValue(),
				s["last_message_body"].GetStringValue())
		}
	default:
		outputJSON(resp.AsMap())
	}
}

func printMessage(f map[string]*structpb.Value) {
	ts := time.UnixMilli(int64(f["timestamp"].GetNumberValue())).Format(time.DateTime)
	sender := f["sender_id"].GetStringValue()
	if f["from_owner"].GetBoolValue() {
		sender = "me"
	}
	fmt.Printf("#%-6.0f %s %-9s %s: %s\n",
		f["local_id"].GetNumberValue(), ts, f["status"].GetStringValue(), sender, f["body"].GetStringValue())
}

func cmdWatch(c *api.Client, prefix string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := c.Watch(ctx, prefix, func(evt *structpb.Struct) error {
		if jsonOut {
			outputJSON(evt.AsMap())
			return nil
		}
		f := evt.GetFields()
		ts := time.UnixMilli(int64(f["timestamp"].GetNumberValue())).Format(time.TimeOnly)
		payload, _ := json.Marshal(f["payload"].AsInterface())
		fmt.Printf("%s %s %s\n", ts, f["kind"].GetStringValue(), payload)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fatalf("%v", err)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
