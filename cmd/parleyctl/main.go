package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/parley/internal/account"
	"github.com/matheus3301/parley/internal/api"
	"github.com/matheus3301/parley/internal/client"
	"github.com/matheus3301/parley/internal/store"
)

func main() {
	accountFlag := flag.String("account", "", "account name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	name := account.Resolve(*accountFlag)
	if err := account.ValidateName(name); err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := client.New(account.SocketPath(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for account %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	out := printer{json: *jsonFlag}

	// watch runs until interrupted; everything else is a single call.
	if args[0] == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		peer := ""
		if len(args) > 1 {
			peer = args[1]
		}
		cmdWatch(ctx, c, peer, out)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "register":
		need(args, 3, "register <name> <phone>")
		p, err := c.Register(ctx, args[1], args[2])
		check(err)
		out.profile(p)
	case "logout":
		check(c.Logout(ctx))
		fmt.Println("Logged out.")
	case "open":
		need(args, 2, "open <peer>")
		conv, err := c.Open(ctx, args[1])
		check(err)
		out.conversation(conv)
	case "close":
		need(args, 2, "close <peer>")
		check(c.CloseConversation(ctx, args[1]))
	case "send":
		need(args, 3, "send <peer> <text...>")
		m, err := c.Send(ctx, args[1], strings.Join(args[2:], " "))
		check(err)
		out.message(m)
	case "messages":
		need(args, 2, "messages <peer>")
		conv, err := c.Messages(ctx, args[1])
		check(err)
		out.conversation(conv)
	case "status":
		st, err := c.Status(ctx)
		check(err)
		out.status(st)
	case "lifecycle":
		need(args, 2, "lifecycle <foreground|background>")
		check(c.ReportLifecycle(ctx, args[1]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: parleyctl [--account <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  register <name> <phone>   Save the local profile")
	fmt.Fprintln(os.Stderr, "  logout                    Clear the local profile")
	fmt.Fprintln(os.Stderr, "  open <peer>               Open a conversation and print it")
	fmt.Fprintln(os.Stderr, "  close <peer>              Close an opened conversation")
	fmt.Fprintln(os.Stderr, "  send <peer> <text...>     Send a message")
	fmt.Fprintln(os.Stderr, "  messages <peer>           Print a conversation")
	fmt.Fprintln(os.Stderr, "  status                    Show connectivity and queue status")
	fmt.Fprintln(os.Stderr, "  lifecycle <state>         Report foreground or background")
	fmt.Fprintln(os.Stderr, "  watch [peer]              Stream events until interrupted")
}

func cmdWatch(ctx context.Context, c *client.Client, peer string, out printer) {
	err := c.Watch(ctx, peer, func(e api.Event) error {
		out.event(e)
		return nil
	})
	check(err)
}

type printer struct {
	json bool
}

func (p printer) profile(pr store.Profile) {
	if p.json {
		outputJSON(pr)
		return
	}
	fmt.Printf("Registered %s (%s)\n", pr.Name, pr.Phone)
}

func (p printer) message(m store.Message) {
	if p.json {
		outputJSON(m)
		return
	}
	printMessage(m)
}

func (p printer) conversation(c api.Conversation) {
	if p.json {
		outputJSON(c)
		return
	}
	fmt.Printf("Chat: %s\n", c.ChatID)
	if len(c.Messages) == 0 {
		fmt.Println("No messages.")
		return
	}
	for _, m := range c.Messages {
		printMessage(m)
	}
}

func (p printer) status(st api.StatusInfo) {
	if p.json {
		outputJSON(st)
		return
	}
	participant := st.Participant
	if participant == "" {
		participant = "(not registered)"
	}
	fmt.Printf("Account:     %s\n", st.Account)
	fmt.Printf("Participant: %s\n", participant)
	fmt.Printf("Online:      %v\n", st.Online)
	fmt.Printf("Pending:     %d\n", st.Pending)
	fmt.Printf("State:       %s\n", st.State)
	fmt.Printf("Open chats:  %d\n", st.OpenChats)
}

func (p printer) event(e api.Event) {
	if p.json {
		line, err := json.Marshal(e)
		if err != nil {
			fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
			return
		}
		fmt.Println(string(line))
		return
	}
	ts := time.UnixMilli(e.Timestamp).Format(time.TimeOnly)
	switch {
	case e.MessageID != "":
		fmt.Printf("%s %-24s %s %s %s\n", ts, e.Kind, e.ChatID, e.MessageID, e.Status)
	case e.State != "":
		fmt.Printf("%s %-24s %s\n", ts, e.Kind, e.State)
	case e.Error != "":
		fmt.Printf("%s %-24s %s\n", ts, e.Kind, e.Error)
	case e.Peer != "":
		fmt.Printf("%s %-24s %s online=%v\n", ts, e.Kind, e.Peer, e.Online)
	default:
		fmt.Printf("%s %-24s online=%v pending=%d\n", ts, e.Kind, e.Online, e.Pending)
	}
}

func printMessage(m store.Message) {
	ts := time.UnixMilli(m.Timestamp).Format(time.DateTime)
	fmt.Printf("[%s] %s: %s (%s)\n", ts, m.Sender, m.Text, m.Status)
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: parleyctl %s\n", usage)
		os.Exit(1)
	}
}

func check(err error) {
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
