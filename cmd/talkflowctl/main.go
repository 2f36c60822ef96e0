package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ponzS/talkflow-core/internal/bus"
	"github.com/ponzS/talkflow-core/internal/msg"
	"github.com/ponzS/talkflow-core/internal/session"
	"github.com/ponzS/talkflow-core/internal/store"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := newClient(session.SocketPath(sessionName))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "chats":
		cmdChats(ctx, c, *jsonFlag)
	case "buddies":
		cmdBuddies(ctx, c, *jsonFlag)
	case "add":
		if len(args) < 2 {
			fatal("usage: talkflowctl add <pub> [epub]")
		}
		epub := ""
		if len(args) > 2 {
			epub = args[2]
		}
		cmdPost(ctx, c, "/v1/buddies/add", map[string]string{"pub": args[1], "epub": epub})
	case "remove":
		if len(args) < 2 {
			fatal("usage: talkflowctl remove <pub>")
		}
		cmdPost(ctx, c, "/v1/buddies/remove", map[string]string{"pub": args[1]})
	case "send":
		if len(args) < 3 {
			fatal("usage: talkflowctl send <pub> <text>")
		}
		cmdSend(ctx, c, args[1], args[2], *jsonFlag)
	case "history":
		if len(args) < 2 {
			fatal("usage: talkflowctl history <chat_id> [limit]")
		}
		limit := 20
		if len(args) > 2 {
			limit, _ = strconv.Atoi(args[2])
		}
		cmdHistory(ctx, c, args[1], limit, *jsonFlag)
	case "retract":
		if len(args) < 3 {
			fatal("usage: talkflowctl retract <chat_id> <msg_id>")
		}
		cmdPost(ctx, c, "/v1/messages/retract", map[string]string{"chat_id": args[1], "msg_id": args[2]})
	case "foreground":
		cmdPost(ctx, c, "/v1/events/foreground", map[string]string{})
	case "tail":
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdTail(c, prefix)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: talkflowctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                       Show daemon identity and queue depth")
	fmt.Fprintln(os.Stderr, "  chats                        List chat previews")
	fmt.Fprintln(os.Stderr, "  buddies                      List buddies and key state")
	fmt.Fprintln(os.Stderr, "  add <pub> [epub]             Add a buddy")
	fmt.Fprintln(os.Stderr, "  remove <pub>                 Remove a buddy")
	fmt.Fprintln(os.Stderr, "  send <pub> <text>            Send a text message")
	fmt.Fprintln(os.Stderr, "  history <chat_id> [limit]    Show recent messages")
	fmt.Fprintln(os.Stderr, "  retract <chat_id> <msg_id>   Retract a message")
	fmt.Fprintln(os.Stderr, "  foreground                   Report app foreground, kick delivery")
	fmt.Fprintln(os.Stderr, "  tail [prefix]                Stream daemon events")
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// client speaks HTTP over the session's Unix socket.
type client struct {
	http       *http.Client
	socketPath string
}

func newClient(socketPath string) *client {
	return &client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix"+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://unix"+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", c.socketPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func cmdStatus(ctx context.Context, c *client, jsonOut bool) {
	var status struct {
		Session    string `json:"session"`
		Pub        string `json:"pub"`
		Epub       string `json:"epub"`
		Online     bool   `json:"online"`
		QueueDepth int    `json:"queue_depth"`
	}
	if err := c.get(ctx, "/v1/session", &status); err != nil {
		fatal("error: %v", err)
	}
	if jsonOut {
		outputJSON(status)
		return
	}
	fmt.Printf("Session: %s\n", status.Session)
	fmt.Printf("Pub:     %s\n", status.Pub)
	fmt.Printf("Epub:    %s\n", status.Epub)
	fmt.Printf("Online:  %v\n", status.Online)
	fmt.Printf("Queued:  %d\n", status.QueueDepth)
}

func cmdChats(ctx context.Context, c *client, jsonOut bool) {
	var resp struct {
		Chats []store.ChatPreview `json:"chats"`
	}
	if err := c.get(ctx, "/v1/chats", &resp); err != nil {
		fatal("error: %v", err)
	}
	if jsonOut {
		outputJSON(resp.Chats)
		return
	}
	for _, p := range resp.Chats {
		marker := " "
		if p.HasNew {
			marker = "*"
		}
		fmt.Printf("%s %s  %s\n", marker, p.Pub, p.LastMsg)
	}
}

func cmdBuddies(ctx context.Context, c *client, jsonOut bool) {
	var resp struct {
		Buddies []store.Buddy `json:"buddies"`
	}
	if err := c.get(ctx, "/v1/buddies", &resp); err != nil {
		fatal("error: %v", err)
	}
	if jsonOut {
		outputJSON(resp.Buddies)
		return
	}
	for _, b := range resp.Buddies {
		state := "unverified"
		if b.Verified() {
			state = "verified (" + string(b.EpubSource) + ")"
		}
		fmt.Printf("%s  %s\n", b.Pub, state)
	}
}

func cmdPost(ctx context.Context, c *client, path string, body map[string]string) {
	var resp map[string]string
	if err := c.post(ctx, path, body, &resp); err != nil {
		fatal("error: %v", err)
	}
	for k, v := range resp {
		fmt.Printf("%s: %s\n", k, v)
	}
}

func cmdSend(ctx context.Context, c *client, pub, text string, jsonOut bool) {
	var m msg.LocalMessage
	err := c.post(ctx, "/v1/messages/send", map[string]string{"buddy": pub, "payload": text}, &m)
	if err != nil {
		fatal("error: %v", err)
	}
	if jsonOut {
		outputJSON(m)
		return
	}
	fmt.Printf("queued %s in %s\n", m.MsgID, m.ChatID)
}

func cmdHistory(ctx context.Context, c *client, chatID string, limit int, jsonOut bool) {
	var resp struct {
		Messages []msg.LocalMessage `json:"messages"`
	}
	path := fmt.Sprintf("/v1/messages?chat_id=%s&limit=%d", chatID, limit)
	if err := c.get(ctx, path, &resp); err != nil {
		fatal("error: %v", err)
	}
	if jsonOut {
		outputJSON(resp.Messages)
		return
	}
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		m := resp.Messages[i]
		ts := time.UnixMilli(m.Timestamp).Format("15:04:05")
		fmt.Printf("[%s] %s: %s\n", ts, m.From, m.Text)
	}
}

func cmdTail(c *client, prefix string) {
	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, "ws://unix/v1/events?prefix="+prefix, &websocket.DialOptions{
		HTTPClient: c.http,
	})
	if err != nil {
		fatal("error: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var evt bus.Event
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			fatal("stream closed: %v", err)
		}
		raw, _ := json.Marshal(evt.Payload)
		fmt.Printf("%s %s %s\n", evt.Timestamp.Format(time.RFC3339), evt.Kind, raw)
	}
}
