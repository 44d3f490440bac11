package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sitenet/internal/ism"
)

func kinds(t *testing.T, entries any) []string {
	t.Helper()
	list, ok := entries.([]any)
	require.True(t, ok, "not a list: %v", entries)
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.(map[string]any)["kind"].(string)
	}
	return out
}

func TestCreateCoordinatorGrant(t *testing.T) {
	f := newFederation(t)

	data := f.runJSON(t, "show-bundle", f.path("coordinator.grant"))
	assert.EqualValues(t, 0, data["site"])
	assert.Equal(t, []string{string(ism.KindSiteActivation), string(ism.KindSiteGrant)}, kinds(t, data["messages"]))

	_, err := f.run(t, "create-coordinator-grant", "--name", "Again", "--out", f.path("again.grant"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.NoFileExists(t, f.path("again.grant"))
}

func TestCreateSiteGrant(t *testing.T) {
	f := newFederation(t)

	data := f.runJSON(t, "create-site-grant",
		"--name", "Crystallography",
		"--lab-name", "Xtal Lab",
		"--out", f.path("xtal.grant"),
	)
	d := details(t, data)
	assert.Equal(t, "site created", data["summary"])
	assert.EqualValues(t, xtal, d["site"])
	assert.EqualValues(t, 12, d["lab"])
	assert.EqualValues(t, 4, d["bundled"])
	assert.EqualValues(t, 4, d["highest"])

	bundled := f.runJSON(t, "show-bundle", f.path("xtal.grant"))
	assert.EqualValues(t, xtal, bundled["site"])
	assert.Equal(t, []string{
		string(ism.KindSiteActivation),
		string(ism.KindSiteActivation),
		string(ism.KindLabActivation),
		string(ism.KindSiteGrant),
	}, kinds(t, bundled["messages"]))

	text, err := f.run(t, "show-bundle", f.path("xtal.grant"))
	require.NoError(t, err)
	assert.Contains(t, text, "SITE ACTIVATION ANNC, site id 29168")
	assert.Contains(t, text, "name='Crystallography'")
	assert.Contains(t, text, "SITE GRANT, site id 29168")
}

func TestUpdateSite(t *testing.T) {
	f := newFederation(t)
	f.createXtal(t)

	d := details(t, f.runJSON(t, "update-site", "--site", "29168", "--base-url", "http://xtal2.test"))
	assert.Equal(t, []any{"base-url"}, d["changed"])

	log := f.runJSON(t, "show-log", "--after", "4")
	assert.Equal(t, []string{string(ism.KindSiteUpdate)}, kinds(t, log["messages"]))

	_, err := f.run(t, "update-site", "--site", "7", "--name", "Nowhere")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "has not been issued")
}

func TestLabCommands(t *testing.T) {
	f := newFederation(t)
	f.createXtal(t)

	d := details(t, f.runJSON(t, "update-lab", "--lab", "12", "--active=false", "--name", "Closed Lab"))
	assert.Equal(t, []any{"name"}, d["changed"])
	assert.Equal(t, false, d["active"])

	_, err := f.run(t, "transfer-lab", "--lab", "12", "--to", "0")
	require.NoError(t, err)
	_, err = f.run(t, "transfer-lab", "--lab", "99", "--to", "0")
	assert.Equal(t, ExitFailure, GetExitCode(err))

	d = details(t, f.runJSON(t, "create-lab", "--home", "29168", "--name", "Second Lab"))
	assert.EqualValues(t, 12095, d["lab"], "the id source repeats 12094")

	log := f.runJSON(t, "show-log", "--after", "4")
	assert.Equal(t, []string{
		string(ism.KindLabUpdate),
		string(ism.KindLabTransferInitiate),
		string(ism.KindLabActivation),
	}, kinds(t, log["messages"]))
}

func TestSiteLifecycle(t *testing.T) {
	f := newFederation(t)
	f.createXtal(t)

	_, err := f.run(t, "deactivate-site", "--site", "29168", "--final-seq", "10")
	require.NoError(t, err)
	_, err = f.run(t, "reactivate-site", "--site", "29168")
	require.NoError(t, err)

	_, err = f.run(t, "deactivate-site", "--site", "0", "--final-seq", "1")
	assert.Equal(t, ExitFailure, GetExitCode(err))

	log := f.runJSON(t, "show-log", "--after", "4")
	assert.Equal(t, []string{string(ism.KindSiteDeactivation), string(ism.KindSiteActivation)}, kinds(t, log["messages"]))
}

func TestBlockCommands(t *testing.T) {
	f := newFederation(t)
	f.createXtal(t)

	d := details(t, f.runJSON(t, "claim-block"))
	assert.EqualValues(t, 21860, d["block"])

	d = details(t, f.runJSON(t, "transfer-block", "--site", "29168", "--block", "21860"))
	assert.EqualValues(t, 21860, d["block"])

	_, err := f.run(t, "transfer-block", "--site", "29168", "--block", "21860")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	log := f.runJSON(t, "show-log", "--after", "4")
	assert.Equal(t, []string{string(ism.KindSampleIDBlock), string(ism.KindSampleIDBlock)}, kinds(t, log["messages"]))
}

func TestControlCommands(t *testing.T) {
	f := newFederation(t)
	f.createXtal(t)
	// A second site; the id source repeats its last value.
	_, err := f.run(t, "create-site-grant", "--name", "Chemistry", "--out", f.path("chem.grant"))
	require.NoError(t, err)
	const chem = "12094"

	d := details(t, f.runJSON(t, "deactivate-sample", "--sample", "21860001", "--home", "29168"))
	assert.EqualValues(t, 1, d["notified"])

	_, err = f.run(t, "reset-sequence-numbers", "--dest", "29168", "--other", chem, "--public", "3")
	require.NoError(t, err)
	d = details(t, f.runJSON(t, "reset-sequence-numbers", "--dest", "29168", "--other", chem, "--private", "2", "--force-blank"))
	assert.Equal(t, true, d["force_blank"])
	_, err = f.run(t, "reset-sequence-numbers", "--dest", "29168", "--other", "0")
	assert.Equal(t, ExitFailure, GetExitCode(err))

	d = details(t, f.runJSON(t, "request-statistics", "--site", "29168", "--valid-for", "1h"))
	assert.Equal(t, "1h0m0s", d["valid_for"])
	_, err = f.run(t, "request-statistics", "--site", "0")
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = f.run(t, "force-upgrade", "--version", "2.0.0")
	require.NoError(t, err)

	log := f.runJSON(t, "show-log", "--visible-to", "29168", "--after", "4")
	assert.Equal(t, []string{
		string(ism.KindSiteActivation), // chem announced
		string(ism.KindSiteReset),
		string(ism.KindSiteReset),
		string(ism.KindSiteStatisticsRequest),
		string(ism.KindForceUpgrade),
	}, kinds(t, log["messages"]))
}

func TestPushFlag(t *testing.T) {
	f := newFederation(t)
	f.createXtal(t)

	d := details(t, f.runJSON(t, "force-upgrade", "--version", "2.0.0", "--push"))
	assert.EqualValues(t, 1, d["pushed"])
	assert.Equal(t, 1, f.transport.sent("http://xtal.test"))

	// Nothing new since this invocation opened the log.
	d = details(t, f.runJSON(t, "push-messages", "--site", "29168"))
	assert.EqualValues(t, 0, d["sent"])
}

func TestReplayAllMessages(t *testing.T) {
	f := newFederation(t)
	f.createXtal(t)

	d := details(t, f.runJSON(t, "replay-all-messages", "--site", "29168"))
	assert.EqualValues(t, 4, d["sent"])
	assert.Equal(t, 4, f.transport.sent("http://xtal.test"))

	d = details(t, f.runJSON(t, "replay-all-messages", "--site", "29168", "--url", "http://elsewhere.test"))
	assert.EqualValues(t, 4, d["sent"])
	assert.Equal(t, 4, f.transport.sent("http://elsewhere.test"))
}

func TestPushMessagesNeedsTarget(t *testing.T) {
	f := newFederation(t)

	_, err := f.run(t, "push-messages")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = f.run(t, "push-messages", "--site", "1", "--all")
	require.Error(t, err)
}

func TestShowLog(t *testing.T) {
	f := newFederation(t)

	text, err := f.run(t, "show-log")
	require.NoError(t, err)
	assert.Contains(t, text, "0: SITE ACTIVATION ANNC, site id coordinator")
	assert.Contains(t, text, "1: SITE GRANT, site id coordinator")

	data := f.runJSON(t, "show-log", "--limit", "1")
	assert.EqualValues(t, 2, data["matching"])
	entries := data["messages"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "sent", entries[0].(map[string]any)["state"])

	_, err = f.run(t, "show-log", "--direction", "sideways")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
