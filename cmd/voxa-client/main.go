// Command voxa-client is an interactive terminal client for a voxa server.
//
// Every line typed is posted to the current channel. A few commands are
// understood:
//
//	/join <channel>         switch the current channel
//	/edit <id> <contents>   edit a message
//	/delete <id>            delete a message
//	/raw <text>             send text as is
//	q                       quit
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/voxa"
)

type wireMessage struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

func main() {
	url := flag.String("url", "ws://localhost:7080", "server URL")
	token := flag.String("token", os.Getenv("VX_TOKEN"), "auth token (defaults to $VX_TOKEN)")
	channel := flag.String("channel", "general", "initial channel")
	last := flag.Int64("last", -1, "request the backlog after this message id; negative skips it")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "voxa-client: -token is required")
		os.Exit(2)
	}

	var lastID *int64
	if *last >= 0 {
		lastID = last
	}
	if err := run(*url, *token, *channel, lastID); err != nil {
		fmt.Fprintln(os.Stderr, "voxa-client:", err)
		os.Exit(1)
	}
}

func run(url, token, channel string, lastID *int64) error {
	dialer := &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()
	fmt.Println("WebSocket connection established")

	var identity voxa.ServerIdentity
	if err := conn.ReadJSON(&identity); err != nil {
		return fmt.Errorf("read server identity: %w", err)
	}
	fmt.Printf("Connected to %s (protocol %s)\n", identity.Name, identity.Version)

	hello := voxa.ClientIdentity{Version: voxa.ProtocolVersion, AuthToken: token, LastMessageID: lastID}
	if err := conn.WriteJSON(hello); err != nil {
		return fmt.Errorf("send identity: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- readLoop(conn) }()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case err := <-done:
			return err
		case line, ok := <-lines:
			if !ok || line == "q" {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				select {
				case <-done:
				case <-time.After(2 * time.Second):
				}
				return nil
			}
			if err := handleLine(conn, &channel, line); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}
	}
}

func handleLine(conn *websocket.Conn, channel *string, line string) error {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "":
		return nil
	case "/join":
		if rest == "" {
			return errors.New("usage: /join <channel>")
		}
		*channel = rest
		fmt.Printf("Now posting to #%s\n", rest)
		return nil
	case "/raw":
		return conn.WriteMessage(websocket.TextMessage, []byte(rest))
	case "/edit":
		id, contents, ok := strings.Cut(rest, " ")
		if !ok {
			return errors.New("usage: /edit <id> <contents>")
		}
		return send(conn, &voxa.EditMessage{ChannelID: *channel, MessageID: id, NewContents: contents})
	case "/delete":
		if rest == "" {
			return errors.New("usage: /delete <id>")
		}
		return send(conn, &voxa.DeleteMessage{ChannelID: *channel, MessageID: rest})
	default:
		return send(conn, &voxa.SendMessage{ChannelID: *channel, Contents: line})
	}
}

func send(conn *websocket.Conn, req voxa.Request) error {
	data, err := voxa.EncodeRequest(req)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				fmt.Printf("Connection closed: %d %s\n", ce.Code, ce.Text)
				if ce.Code == websocket.CloseNormalClosure {
					return nil
				}
				return fmt.Errorf("closed with code %d", ce.Code)
			}
			return err
		}
		printMessage(data)
	}
}

func printMessage(data []byte) {
	var m wireMessage
	if err := json.Unmarshal(data, &m); err != nil || m.Type == "" {
		fmt.Printf("Received: %s\n", data)
		return
	}

	switch m.Type {
	case voxa.TypeAuthenticated:
		var a voxa.Authenticated
		if err := json.Unmarshal(m.Params, &a); err == nil {
			fmt.Printf("Logged in as %s\n", a.UUID)
			for _, r := range a.Messages {
				printRecord(r)
			}
			return
		}
	case voxa.TypeMessageCreate, voxa.TypeMessageUpdate:
		var r voxa.Record
		if err := json.Unmarshal(m.Params, &r); err == nil {
			printRecord(r)
			return
		}
	case voxa.TypeError:
		var e voxa.ResponseError
		if err := json.Unmarshal(m.Params, &e); err == nil {
			fmt.Printf("error (%s): %s\n", e.Kind, e.Message)
			return
		}
	}
	fmt.Printf("Received %s: %s\n", m.Type, m.Params)
}

func printRecord(r voxa.Record) {
	at := time.Unix(r.Timestamp, 0).Format("15:04:05")
	fmt.Printf("[%s] #%s <%s> %s (id %d)\n", at, r.ChannelID, r.Author, r.Contents, r.ID)
}
