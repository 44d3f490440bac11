package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Success(Report{Summary: "site created", Details: map[string]any{"site": 29168}})
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   Report `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "site created", resp.Data.Summary)
	assert.EqualValues(t, 29168, resp.Data.Details["site"])
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error("state_conflict", "site 7 has not been issued", []string{"update site"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "state_conflict", resp.Error.Code)
	assert.Equal(t, "site 7 has not been issued", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextError(t *testing.T) {
	tests := []struct {
		name        string
		verbose     bool
		wantDetails bool
	}{
		{"quiet", false, false},
		{"verbose", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: tt.verbose}

			require.NoError(t, formatter.Error("E001", "push failed", "connection refused"))
			assert.Contains(t, buf.String(), "Error [E001]: push failed")
			if tt.wantDetails {
				assert.Contains(t, buf.String(), "Details: connection refused")
			} else {
				assert.NotContains(t, buf.String(), "Details:")
			}
		})
	}
}

func TestOutputFormatter_VerboseLogUsesErrWriter(t *testing.T) {
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag, Verbose: true}

	formatter.VerboseLog("pushing to %s", "site 12")
	assert.Empty(t, out.String())
	assert.Equal(t, "pushing to site 12\n", diag.String())

	formatter.Verbose = false
	formatter.VerboseLog("dropped")
	assert.NotContains(t, diag.String(), "dropped")
}

func TestReport_String(t *testing.T) {
	r := Report{Summary: "block transferred", Details: map[string]any{"site": 12, "block": 21860}}
	assert.Equal(t, "block transferred\n  block: 21860\n  site: 12", r.String())
	assert.Equal(t, "nothing to do", Report{Summary: "nothing to do"}.String())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "open store", errors.New("disk")))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.Equal(t, "outer: open store: disk", wrapped.Error())
}
