package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sitenet/internal/ism"
)

// serveFor runs serve until ctx ends.
func serveFor(t *testing.T, f *federation, d time.Duration, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	buf := &bytes.Buffer{}
	cmd := newRootCommand(f.options())
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"serve", "--addr", "127.0.0.1:0"}, args...))
	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}

func TestServe_BootstrapsAndResumes(t *testing.T) {
	f := newFederation(t)
	grant := f.createXtal(t)
	siteDB := filepath.Join(f.dir, "xtal.db")

	out, err := serveFor(t, f, 500*time.Millisecond, "--db", siteDB, "--bundle", grant)
	require.NoError(t, err)
	assert.Contains(t, out, "site stopped")
	assert.Contains(t, out, "29168")

	data := f.runJSON(t, "--db", siteDB, "show-log", "--origin", "0", "--direction", "received")
	entries := data["messages"].([]any)
	require.Len(t, entries, 4)
	for _, e := range entries {
		assert.Equal(t, "applied", e.(map[string]any)["state"])
	}
	assert.Equal(t, []string{
		string(ism.KindSiteActivation),
		string(ism.KindSiteActivation),
		string(ism.KindLabActivation),
		string(ism.KindSiteGrant),
	}, kinds(t, data["messages"]))

	// A second start reopens the store; the bundle is not needed.
	_, err = serveFor(t, f, 300*time.Millisecond, "--db", siteDB)
	require.NoError(t, err)
}

func TestServe_EmptyStoreNeedsBundle(t *testing.T) {
	f := newFederation(t)

	_, err := serveFor(t, f, time.Second, "--db", filepath.Join(f.dir, "empty.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "--bundle")
}

func TestServe_BadAddress(t *testing.T) {
	f := newFederation(t)
	grant := f.createXtal(t)

	_, err := serveFor(t, f, time.Second, "--db", filepath.Join(f.dir, "xtal.db"), "--bundle", grant, "--addr", "256.0.0.1:bad")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
