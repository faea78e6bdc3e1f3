package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/wippyai/wasm-bridge/runtime"
)

var errQuit = errors.New("quit")

const helpText = `commands:
  open                  open a session
  close <id>            close a session
  submit <id> <text>    send text as session <id>
  poll <id>             deliver queued messages
  sessions              list open sessions
  stats                 show runtime counters
  quit                  exit`

// console executes text commands against a runtime and collects the
// messages its sessions receive.
type console struct {
	rt       *runtime.Runtime
	sessions map[uint32]*runtime.Session
	inbox    []string
	mu       sync.Mutex
}

func newConsole(rt *runtime.Runtime) *console {
	return &console{
		rt:       rt,
		sessions: make(map[uint32]*runtime.Session),
	}
}

func (c *console) receive(id uint32) runtime.Callback {
	return func(_ context.Context, data []byte) error {
		c.mu.Lock()
		c.inbox = append(c.inbox, fmt.Sprintf("[%d] %s", id, data))
		c.mu.Unlock()
		return nil
	}
}

// drain returns and clears the messages delivered so far.
func (c *console) drain() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.inbox
	c.inbox = nil
	return out
}

// exec runs one command line. Delivered messages are prepended to the
// command's own output.
func (c *console) exec(ctx context.Context, line string) ([]string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, nil
	}

	var (
		out []string
		err error
	)
	switch cmd := fields[0]; cmd {
	case "open":
		out, err = c.open(ctx)
	case "close":
		out, err = c.withSession(fields, func(s *runtime.Session) ([]string, error) {
			if err := s.Close(ctx); err != nil {
				return nil, err
			}
			delete(c.sessions, s.ID())
			return []string{fmt.Sprintf("session %d closed", s.ID())}, nil
		})
	case "submit":
		if len(fields) < 3 {
			return nil, fmt.Errorf("usage: submit <id> <text>")
		}
		_, rest := cutField(line)
		_, text := cutField(rest)
		out, err = c.withSession(fields, func(s *runtime.Session) ([]string, error) {
			return nil, s.Submit(ctx, []byte(text))
		})
	case "poll":
		out, err = c.withSession(fields, func(s *runtime.Session) ([]string, error) {
			return nil, s.Poll(ctx)
		})
	case "sessions":
		out = c.list()
	case "stats":
		out = c.stats()
	case "help", "?":
		out = strings.Split(helpText, "\n")
	case "quit", "exit":
		return nil, errQuit
	default:
		return nil, fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return append(c.drain(), out...), err
}

func (c *console) open(ctx context.Context) ([]string, error) {
	// callbacks only run inside Submit and Poll, so id is set by then
	var id uint32
	s, err := c.rt.NewSession(ctx, func(ctx context.Context, data []byte) error {
		return c.receive(id)(ctx, data)
	})
	if err != nil {
		return nil, err
	}
	id = s.ID()
	c.sessions[id] = s
	return []string{fmt.Sprintf("session %d opened", id)}, nil
}

func (c *console) withSession(fields []string, fn func(*runtime.Session) ([]string, error)) ([]string, error) {
	if len(fields) < 2 {
		return nil, fmt.Errorf("usage: %s <id>", fields[0])
	}
	n, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid session id %q", fields[1])
	}
	s, ok := c.sessions[uint32(n)]
	if !ok {
		return nil, fmt.Errorf("no open session %d", n)
	}
	return fn(s)
}

func (c *console) list() []string {
	ids := make([]uint32, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return []string{"no open sessions"}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return []string{"sessions: " + strings.Join(parts, " ")}
}

func (c *console) stats() []string {
	st := c.rt.Stats()
	return []string{
		fmt.Sprintf("mode=%s sessions=%d submits=%d polls=%d batches=%d",
			c.rt.Mode(), st.Sessions, st.Submits, st.Polls, st.Batches),
		fmt.Sprintf("delivered=%d callback_failures=%d undeliverable=%d",
			st.Delivered, st.CallbackFailures, st.Undeliverable),
	}
}

// closeAll closes every open session.
func (c *console) closeAll(ctx context.Context) error {
	var err error
	for id, s := range c.sessions {
		err = multierr.Append(err, s.Close(ctx))
		delete(c.sessions, id)
	}
	return err
}

// cutField splits off the first whitespace-separated word of s.
func cutField(s string) (field, rest string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}
