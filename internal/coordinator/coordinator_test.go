package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sitenet/internal/ism"
	"github.com/roach88/sitenet/internal/keys"
	"github.com/roach88/sitenet/internal/testutil"
)

func TestBootstrap_EmitsActivationAndGrant(t *testing.T) {
	f := bootstrap(t)

	log := sentLog(t, f.store)
	require.Len(t, log, 2)

	activation := log[0]
	assert.Equal(t, ism.KindSiteActivation, activation.Kind())
	assert.Equal(t, ism.SeqNum(0), activation.SourceSeqNum)
	assert.Equal(t, ism.InvalidSeq, activation.SourcePrevSeqNum)
	assert.Equal(t, ism.AllSites, activation.DestSiteID)
	site := activation.Payload.(*ism.SiteActivation).Site
	assert.Equal(t, ism.Coordinator, site.ID)
	assert.Equal(t, "Reciprocal Net Coordinator", site.Name)
	assert.True(t, site.PublicKey.Equal(f.coord.PublicKey()))

	grant := log[1]
	assert.Equal(t, ism.KindSiteGrant, grant.Kind())
	assert.Equal(t, ism.SeqNum(1), grant.SourceSeqNum)
	assert.Equal(t, ism.InvalidSeq, grant.SourcePrevSeqNum)
	assert.Equal(t, ism.Coordinator, grant.DestSiteID)

	for _, m := range log {
		require.NoError(t, ism.Verify(m, keys.StandardVerifier{}, f.coord.PublicKey()))
		assert.True(t, m.SourceDate.Equal(testutil.Epoch))
	}

	require.Len(t, f.bundle.Messages, 2)
	assert.Equal(t, f.bundle.Messages[1], f.bundle.Grant)
	id, err := f.bundle.SiteID()
	require.NoError(t, err)
	assert.Equal(t, ism.Coordinator, id)

	ident, ok, err := f.store.Identity(t.Context())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ism.Coordinator, ident.SiteID)
	assert.Equal(t, f.bundle.Grant, ident.Grant)

	st := f.coord.State()
	require.Len(t, st.Sites, 1)
	assert.Equal(t, ism.SeqNum(1), st.Highest)
	assert.Empty(t, st.Labs)
	assert.Empty(t, st.Reserved)
	assert.Empty(t, st.Issued)
}

func TestBootstrap_RefusesUsedStore(t *testing.T) {
	f := bootstrap(t)

	_, _, err := Bootstrap(t.Context(), f.store, coordinatorIdentity)
	require.Error(t, err)
	assert.True(t, IsStateConflict(err))
	assert.Len(t, sentLog(t, f.store), 2)
}

func TestOpen_RequiresIdentity(t *testing.T) {
	s := openStore(t, t.TempDir()+"/empty.db")
	_, err := Open(t.Context(), s)
	require.Error(t, err)
	assert.True(t, IsStateConflict(err))
}

// Folding the whole sent log from empty state reproduces the channel
// heads, the counter and the read-model the online operations produced.
func TestOpen_FoldReproducesOnlineState(t *testing.T) {
	f := bootstrap(t, 29168, 11, 77, 21860-blockBase, 30000-blockBase)
	ctx := t.Context()

	x, _ := f.createSite(t, "xtal", "http://xtal.example/")
	lab, err := f.coord.CreateLab(ctx, NewLab{Name: "Crystallography Lab", ShortName: "xtal", HomeSiteID: x})
	require.NoError(t, err)
	y, _ := f.createSite(t, "chem", "http://chem.example/")
	b1, err := f.coord.ReserveSampleIDBlock(ctx)
	require.NoError(t, err)
	_, err = f.coord.ReserveSampleIDBlock(ctx)
	require.NoError(t, err)
	require.NoError(t, f.coord.TransferSampleIDBlock(ctx, x, b1))
	require.NoError(t, f.coord.DeactivateSite(ctx, y, 17))
	require.NoError(t, f.coord.InitiateLabTransfer(ctx, lab, ism.Coordinator))
	require.NoError(t, f.coord.RequestStatistics(ctx, x, ism.Coordinator, time.Hour, true, true))
	_, err = f.coord.DeactivateSample(ctx, 42, x)
	require.NoError(t, err)
	require.NoError(t, f.coord.ForceUpgrade(ctx, "0.9.1"))
	require.NoError(t, f.coord.ResetSeqNums(ctx, x, y, 10, ism.DontReset, false))

	online := f.coord.State()
	onlineLedger := f.coord.ledger.Snapshot()

	cached, ok, err := f.store.LedgerState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, onlineLedger, cached, "the store holds the ledger state of the last append")

	reopened, err := f.reopen(t)
	require.NoError(t, err)

	folded := reopened.State()
	assert.Equal(t, onlineLedger, reopened.ledger.Snapshot())
	assert.Equal(t, online.Highest, folded.Highest)
	assert.Equal(t, online.Highest, folded.HighWater)
	assert.Equal(t, online.Sites, folded.Sites)
	assert.Equal(t, online.Labs, folded.Labs)
	assert.Equal(t, online.Reserved, folded.Reserved)
	assert.Equal(t, online.Issued, folded.Issued)

	again, err := f.reopen(t)
	require.NoError(t, err)
	assert.Equal(t, folded, again.State(), "folding is deterministic")
}

func TestOpen_ContinuesNumbering(t *testing.T) {
	f := bootstrap(t)
	require.NoError(t, f.coord.ForceUpgrade(t.Context(), "0.9.1"))

	c, err := f.reopen(t)
	require.NoError(t, err)
	require.NoError(t, c.ForceUpgrade(t.Context(), "0.9.2"))

	m := lastSent(t, f.store)
	assert.Equal(t, ism.SeqNum(3), m.SourceSeqNum)
	assert.Equal(t, ism.SeqNum(2), m.SourcePrevSeqNum)
}

func TestOpen_MissingReference(t *testing.T) {
	f := bootstrap(t)

	f.coord.mu.Lock()
	_, err := f.coord.emit(t.Context(), &ism.SiteDeactivation{SiteID: 555, FinalSeqNum: 3}, ism.AllSites, false)
	f.coord.mu.Unlock()
	require.Error(t, err, "the message is appended but does not fold")
	assert.Len(t, sentLog(t, f.store), 3)

	_, err = f.reopen(t)
	require.Error(t, err)
	assert.True(t, IsFoldError(err))
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodeFold, ce.Code)
	var fe *FoldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ism.SeqNum(2), fe.Seq)
	assert.True(t, fe.Missing)

	c, err := f.reopen(t, WithLenientFold())
	require.NoError(t, err)
	assert.Equal(t, ism.SeqNum(2), c.State().Highest)
	assert.Len(t, c.State().Sites, 1)
}

func TestOpen_TransferOfUnreservedBlock(t *testing.T) {
	f := bootstrap(t, 29168)
	ctx := t.Context()
	x, _ := f.createSite(t, "xtal", "")

	f.coord.mu.Lock()
	_, err := f.coord.emit(ctx, ism.NewTransferInitiate(21860, x), x, false)
	f.coord.mu.Unlock()
	require.Error(t, err, "the message is appended but does not fold")
	assert.Empty(t, f.coord.State().Issued)

	_, err = f.reopen(t)
	var fe *FoldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ism.KindSampleIDBlock, fe.Kind)
	assert.True(t, fe.Missing)

	c, err := f.reopen(t, WithLenientFold())
	require.NoError(t, err)
	assert.Empty(t, c.State().Issued)
	assert.Empty(t, c.State().Reserved)
}

func TestOpen_UnexpectedKindIsFatal(t *testing.T) {
	f := bootstrap(t)

	f.coord.mu.Lock()
	_, err := f.coord.emit(t.Context(), &ism.RepositoryHolding{SampleID: 9, SiteID: ism.Coordinator, Level: ism.HoldingFull}, ism.AllSites, false)
	f.coord.mu.Unlock()
	require.Error(t, err)

	for _, opts := range [][]Option{nil, {WithLenientFold()}} {
		_, err := f.reopen(t, opts...)
		require.Error(t, err)
		var fe *FoldError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, ism.KindRepositoryHolding, fe.Kind)
		assert.False(t, fe.Missing)
	}
}

func TestEmit_FailedAppendLeavesStateAlone(t *testing.T) {
	f := bootstrap(t)
	before := f.coord.State()
	head := f.coord.Head(ism.AllSites)

	require.NoError(t, f.store.Close())
	err := f.coord.ClaimSampleIDBlock(t.Context(), 21860)
	require.Error(t, err)

	after := f.coord.State()
	assert.Equal(t, before, after)
	assert.Equal(t, head, f.coord.Head(ism.AllSites))
}
