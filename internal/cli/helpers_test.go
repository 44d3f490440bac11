package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/sitenet/internal/exchange"
	"github.com/roach88/sitenet/internal/testutil"
)

const xtal = 29168

// fakeTransport accepts every exchange and records what was sent where.
type fakeTransport struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeTransport) Exchange(_ context.Context, url string, msgs [][]byte, _ bool) (exchange.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[url] += len(msgs)
	return exchange.Result{Status: 200}, nil
}

func (f *fakeTransport) sent(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

// federation is a Coordinator store in a temp dir driven through the CLI.
type federation struct {
	dir       string
	db        string
	transport *fakeTransport
	ids       *testutil.FixedIDs
	clock     *testutil.Clock
}

func newFederation(t *testing.T) *federation {
	t.Helper()
	dir := t.TempDir()
	f := &federation{
		dir:       dir,
		db:        filepath.Join(dir, "coordinator.db"),
		transport: &fakeTransport{},
		ids:       testutil.NewFixedIDs(xtal, 11, 21860-9766),
		clock:     testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	_, err := f.run(t, "create-coordinator-grant", "--name", "Central", "--out", f.path("coordinator.grant"))
	require.NoError(t, err)
	return f
}

func (f *federation) path(name string) string {
	return filepath.Join(f.dir, name)
}

func (f *federation) options() *RootOptions {
	return &RootOptions{Transport: f.transport, IDs: f.ids, Now: f.clock.Now}
}

// run executes one ismctl invocation against the Coordinator store.
func (f *federation) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return execute(t, f.options(), append([]string{"--db", f.db}, args...)...)
}

// runJSON executes with --format json and decodes the data payload.
func (f *federation) runJSON(t *testing.T, args ...string) map[string]any {
	t.Helper()
	out, err := f.run(t, append([]string{"--format", "json"}, args...)...)
	require.NoError(t, err)
	return decodeData(t, out)
}

// createXtal issues site 29168 with lab 12 and returns the bundle path.
func (f *federation) createXtal(t *testing.T) string {
	t.Helper()
	out := f.path("xtal.grant")
	_, err := f.run(t, "create-site-grant",
		"--name", "Crystallography",
		"--base-url", "http://xtal.test",
		"--lab-name", "Xtal Lab",
		"--out", out,
	)
	require.NoError(t, err)
	return out
}

func execute(t *testing.T, opts *RootOptions, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := newRootCommand(opts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func decodeData(t *testing.T, out string) map[string]any {
	t.Helper()
	var resp struct {
		Status string         `json:"status"`
		Data   map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func details(t *testing.T, data map[string]any) map[string]any {
	t.Helper()
	d, ok := data["details"].(map[string]any)
	require.True(t, ok, "no details in %v", data)
	return d
}
