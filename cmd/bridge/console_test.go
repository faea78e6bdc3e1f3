package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-bridge/abi"
	"github.com/wippyai/wasm-bridge/loopback"
	"github.com/wippyai/wasm-bridge/runtime"
)

func newTestConsole(t *testing.T, mode abi.Mode) (*console, *loopback.Engine) {
	t.Helper()
	ctx := context.Background()

	lb := loopback.New(loopback.WithMode(mode))
	rt, err := runtime.New(ctx, lb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(ctx) })

	return newConsole(rt), lb
}

func TestConsole_Session(t *testing.T) {
	for _, mode := range []abi.Mode{abi.Narrow, abi.Wide} {
		t.Run(mode.String(), func(t *testing.T) {
			ctx := context.Background()
			c, lb := newTestConsole(t, mode)

			out, err := c.exec(ctx, "open")
			require.NoError(t, err)
			assert.Equal(t, []string{"session 1 opened"}, out)

			out, err = c.exec(ctx, "open")
			require.NoError(t, err)
			assert.Equal(t, []string{"session 2 opened"}, out)

			out, err = c.exec(ctx, "submit 1   hello  world")
			require.NoError(t, err)
			assert.Equal(t, []string{"[1] hello  world"}, out)

			out, err = c.exec(ctx, "submit 2 broadcast:hi all")
			require.NoError(t, err)
			assert.Equal(t, []string{"[1] hi all", "[2] hi all"}, out)

			out, err = c.exec(ctx, "submit 2 push:later")
			require.NoError(t, err)
			assert.Empty(t, out)

			out, err = c.exec(ctx, "poll 1")
			require.NoError(t, err)
			assert.Equal(t, []string{"[2] later"}, out)

			out, err = c.exec(ctx, "sessions")
			require.NoError(t, err)
			assert.Equal(t, []string{"sessions: 1 2"}, out)

			out, err = c.exec(ctx, "close 1")
			require.NoError(t, err)
			assert.Equal(t, []string{"session 1 closed"}, out)

			out, err = c.exec(ctx, "stats")
			require.NoError(t, err)
			require.Len(t, out, 2)
			assert.Contains(t, out[0], "mode="+mode.String())
			assert.Contains(t, out[0], "submits=3")
			assert.Contains(t, out[1], "delivered=4")

			require.NoError(t, c.closeAll(ctx))
			assert.Equal(t, 0, lb.Heap().Stats().Live)
		})
	}
}

func TestConsole_Errors(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestConsole(t, abi.Narrow)

	tests := []struct {
		line string
		want string
	}{
		{"frobnicate", `unknown command "frobnicate"`},
		{"close", "usage: close <id>"},
		{"poll x", `invalid session id "x"`},
		{"poll 9", "no open session 9"},
		{"submit 1", "usage: submit <id> <text>"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, err := c.exec(ctx, tt.line)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	out, err := c.exec(ctx, "   ")
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = c.exec(ctx, "quit")
	assert.ErrorIs(t, err, errQuit)
}

func TestConsole_ListEmpty(t *testing.T) {
	c, _ := newTestConsole(t, abi.Narrow)

	out, err := c.exec(context.Background(), "sessions")
	require.NoError(t, err)
	assert.Equal(t, []string{"no open sessions"}, out)
}

func TestRunLines(t *testing.T) {
	c, lb := newTestConsole(t, abi.Narrow)

	in := strings.NewReader("open\nsubmit 1 ping\nbogus\nquit\nsubmit 1 never\n")
	var w bytes.Buffer
	require.NoError(t, runLines(context.Background(), c, in, &w))

	assert.Equal(t, "session 1 opened\n[1] ping\nerror: unknown command \"bogus\" (try help)\n", w.String())
	assert.Empty(t, c.sessions)
	assert.Equal(t, 0, lb.Heap().Stats().Live)
}

func TestCutField(t *testing.T) {
	f, rest := cutField("  submit 3  a b ")
	assert.Equal(t, "submit", f)
	assert.Equal(t, "3  a b", rest)

	f, rest = cutField("poll")
	assert.Equal(t, "poll", f)
	assert.Empty(t, rest)
}

func TestInteractiveModel(t *testing.T) {
	c, _ := newTestConsole(t, abi.Narrow)
	m := newInteractiveModel(c, "loopback (narrow)")

	m.input.SetValue("open")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.True(t, m.busy)
	assert.Empty(t, m.input.Value())

	msg := cmd()
	_, cmd = m.Update(msg)
	assert.Nil(t, cmd)
	assert.False(t, m.busy)
	assert.Contains(t, m.View(), "session 1 opened")

	_, cmd = m.Update(execResultMsg{err: errQuit})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
