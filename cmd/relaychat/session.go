package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/erilali/relay/internal/client"
	"github.com/erilali/relay/internal/protocol"
	"github.com/fatih/color"
)

var (
	gray   = color.New(color.FgHiBlack).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

// chatClient is the part of *client.Manager the terminal session drives.
type chatClient interface {
	SendMessage(text string)
	Disconnect()
	UserList() []string
	CurrentChannel() string
}

// terminal renders manager events and reads commands, one line at a time.
type terminal struct {
	nick string
	out  io.Writer
	mu   sync.Mutex // serialises writes from the event goroutine and the input loop
}

func newTerminal(nick string, out io.Writer) *terminal {
	return &terminal{nick: nick, out: out}
}

func (t *terminal) println(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, line)
}

// formatMessage shows minutes:seconds, and the local nick in place of "You".
func (t *terminal) formatMessage(msg protocol.Message) string {
	stamp := gray(msg.Timestamp.Local().Format("04:05"))
	if msg.From == protocol.SenderLocal {
		return fmt.Sprintf("%s %s", stamp, gray(t.nick+": "+msg.Text))
	}
	return fmt.Sprintf("%s %s: %s", stamp, msg.From, msg.Text)
}

func (t *terminal) formatUsers(channel string, users []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d users)", green("Users in "+channel), len(users))
	for _, u := range users {
		marker := "  "
		if u == t.nick {
			marker = "* "
		}
		b.WriteString("\n" + marker + u)
	}
	return b.String()
}

// render is the Listener handed to the manager.
func (t *terminal) render(e client.Event) {
	switch e.Type {
	case client.EventMessage:
		t.println(t.formatMessage(e.Message))
	case client.EventConnected:
		t.println(green("--- connected ---"))
	case client.EventDisconnected:
		t.println(yellow("--- disconnected ---"))
	case client.EventUserList:
		t.println(gray(fmt.Sprintf("--- %d users online ---", len(e.Users))))
	case client.EventError:
		t.println(red("error: " + e.Err.Error()))
	}
}

// run reads lines until EOF or /quit. Blank lines are skipped.
func (t *terminal) run(in io.Reader, c chatClient) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			c.Disconnect()
			return nil
		case line == "/users":
			t.println(t.formatUsers(c.CurrentChannel(), c.UserList()))
		case line == "/help":
			t.println("/users  list channel members\n/quit   leave the channel and exit")
		case strings.HasPrefix(line, "/"):
			t.println(red("unknown command " + line))
		default:
			c.SendMessage(line)
		}
	}
	c.Disconnect()
	return scanner.Err()
}
