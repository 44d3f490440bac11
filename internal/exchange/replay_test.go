package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sitenet/internal/ism"
	"github.com/roach88/sitenet/internal/keys"
	"github.com/roach88/sitenet/internal/ledger"
)

const (
	localSite  ism.SiteID = 4
	originSite ism.SiteID = 7
	peerSite   ism.SiteID = 12
	otherSite  ism.SiteID = 29168
)

func replayRequest(requester, server, requested ism.SiteID, max int) *ism.Message {
	m := ism.New(&ism.ReplayRequest{
		RequestedSiteID:    requested,
		ExcludePublicUpTo:  ism.InvalidSeq,
		ExcludePrivateUpTo: ism.InvalidSeq,
		MaxIsmsToReplay:    max,
	}, requester, server)
	m.SourceDate = testDate
	return m
}

func responses(msgs []*ism.Message) []*ism.ReplayResponse {
	var out []*ism.ReplayResponse
	for _, m := range msgs {
		if r, ok := m.Payload.(*ism.ReplayResponse); ok {
			out = append(out, r)
		}
	}
	return out
}

func TestReplayer_FiltersByVisibility(t *testing.T) {
	s := testStore(t)
	signer := testSigner(t)
	// seq 0 public, 1 private to peer, 2 private to another site, 3 public
	seed(t, s, localSite, signer, originSite, ism.AllSites, peerSite, otherSite, ism.AllSites)

	r := NewReplayer(s, localSite, signer, WithReplayClock(testNow))
	out, err := r.Serve(t.Context(), []*ism.Message{replayRequest(peerSite, localSite, originSite, 100)})
	require.NoError(t, err)

	msgs := decodeAll(t, out)
	assert.Equal(t, []ism.SeqNum{0, 1, 3}, seqs(msgs))

	last := msgs[len(msgs)-1]
	require.Equal(t, ism.KindReplayResponse, last.Kind())
	assert.Equal(t, localSite, last.SourceSiteID)
	assert.Equal(t, peerSite, last.DestSiteID)
	assert.True(t, last.SourceDate.Equal(testDate))

	resp := last.Payload.(*ism.ReplayResponse)
	assert.Equal(t, originSite, resp.RequestedSiteID)
	assert.Equal(t, 3, resp.CountMatching)
	assert.Equal(t, 3, resp.CountReplayed)
	assert.Zero(t, resp.Remaining())
}

func TestReplayer_HonorsExclusions(t *testing.T) {
	s := testStore(t)
	signer := testSigner(t)
	seed(t, s, localSite, signer, originSite, ism.AllSites, peerSite, ism.AllSites, peerSite)

	req := replayRequest(peerSite, localSite, originSite, 100)
	req.Payload.(*ism.ReplayRequest).ExcludePublicUpTo = 2
	req.Payload.(*ism.ReplayRequest).ExcludePrivateUpTo = 1

	out, err := NewReplayer(s, localSite, signer).Serve(t.Context(), []*ism.Message{req})
	require.NoError(t, err)
	assert.Equal(t, []ism.SeqNum{3}, seqs(decodeAll(t, out)))
}

func TestReplayer_LimitSpansTheExchange(t *testing.T) {
	s := testStore(t)
	signer := testSigner(t)
	seed(t, s, localSite, signer, originSite, ism.AllSites, ism.AllSites, ism.AllSites, ism.AllSites)
	seed(t, s, localSite, signer, otherSite, ism.AllSites, ism.AllSites, ism.AllSites)

	r := NewReplayer(s, localSite, signer, WithReplayLimit(5))
	out, err := r.Serve(t.Context(), []*ism.Message{
		replayRequest(peerSite, localSite, originSite, 10),
		replayRequest(peerSite, localSite, otherSite, 10),
	})
	require.NoError(t, err)

	msgs := decodeAll(t, out)
	got := responses(msgs)
	require.Len(t, got, 2)
	assert.Equal(t, 4, got[0].CountReplayed)
	assert.Equal(t, 4, got[0].CountMatching)
	assert.Equal(t, 1, got[1].CountReplayed, "only one slot is left after the first request")
	assert.Equal(t, 3, got[1].CountMatching)
	assert.Equal(t, 2, got[1].Remaining())
	assert.Len(t, seqs(msgs), 5)
}

func TestReplayer_ExhaustedLimitStillCounts(t *testing.T) {
	s := testStore(t)
	signer := testSigner(t)
	seed(t, s, localSite, signer, originSite, ism.AllSites, ism.AllSites)
	seed(t, s, localSite, signer, otherSite, ism.AllSites, ism.AllSites)

	out, err := NewReplayer(s, localSite, signer, WithReplayLimit(2)).Serve(t.Context(), []*ism.Message{
		replayRequest(peerSite, localSite, originSite, 10),
		replayRequest(peerSite, localSite, otherSite, 10),
	})
	require.NoError(t, err)

	got := responses(decodeAll(t, out))
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[1].CountReplayed)
	assert.Equal(t, 2, got[1].CountMatching)
}

func TestReplayer_SkipsRequestsForOtherServers(t *testing.T) {
	s := testStore(t)
	signer := testSigner(t)
	seed(t, s, localSite, signer, originSite, ism.AllSites)

	out, err := NewReplayer(s, localSite, signer).Serve(t.Context(), []*ism.Message{
		replayRequest(peerSite, otherSite, originSite, 10),
	})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestReplayQueue_CoalescesPerSite(t *testing.T) {
	q := NewReplayQueue(2)
	assert.True(t, q.Enqueue(ledger.ReplayNeed{RequestedSiteID: originSite, ExcludePublicUpTo: 1}))
	assert.True(t, q.Enqueue(ledger.ReplayNeed{RequestedSiteID: otherSite}))
	assert.True(t, q.Enqueue(ledger.ReplayNeed{RequestedSiteID: originSite, ExcludePublicUpTo: 5}), "a known site is replaced even when full")
	assert.False(t, q.Enqueue(ledger.ReplayNeed{RequestedSiteID: peerSite}))
	assert.Equal(t, 2, q.Len())

	select {
	case <-q.Wait():
	default:
		t.Fatal("expected a signal")
	}

	needs := q.Drain()
	require.Len(t, needs, 2)
	assert.Equal(t, originSite, needs[0].RequestedSiteID)
	assert.Equal(t, ism.SeqNum(5), needs[0].ExcludePublicUpTo)
	assert.Equal(t, otherSite, needs[1].RequestedSiteID)
	assert.Zero(t, q.Len())
	assert.Empty(t, q.Drain())
}

func TestPuller_Pull(t *testing.T) {
	peerSigner := testSigner(t)
	s := testStore(t)
	seed(t, s, peerSite, peerSigner, originSite, ism.AllSites, localSite, ism.AllSites)

	replayer := NewReplayer(s, peerSite, peerSigner, WithReplayLimit(2))
	ft := &fakeTransport{}

	localSigner := testSigner(t)
	p := NewPuller(ft, localSite, localSigner, 50)
	p.now = testNow

	needs := []ledger.ReplayNeed{{
		RequestedSiteID:    originSite,
		ExcludePublicUpTo:  ism.InvalidSeq,
		ExcludePrivateUpTo: ism.InvalidSeq,
	}}
	reqs, err := p.Requests(peerSite, needs)
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	req := decodeAll(t, reqs)[0]
	require.Equal(t, ism.KindReplayRequest, req.Kind())
	assert.Equal(t, localSite, req.SourceSiteID)
	assert.Equal(t, peerSite, req.DestSiteID)
	assert.Equal(t, 50, req.Payload.(*ism.ReplayRequest).MaxIsmsToReplay)
	require.NoError(t, ism.Verify(req, keys.StandardVerifier{}, localSigner.Public()))

	ft.reply, err = replayer.Serve(t.Context(), []*ism.Message{req})
	require.NoError(t, err)
	ft.reply = append(ft.reply, []byte(`{"not":"a message"}`))

	pulled, err := p.Pull(t.Context(), peerSite, "http://peer.example/", needs)
	require.NoError(t, err)
	require.Len(t, ft.calls, 1)
	assert.Equal(t, "http://peer.example/", ft.calls[0].url)
	assert.Len(t, ft.calls[0].msgs, 1)

	assert.Equal(t, []ism.SeqNum{0, 1}, seqs(pulled.Messages))
	assert.Equal(t, map[ism.SiteID]int{originSite: 1}, pulled.Remaining)
}

func TestPuller_NoNeedsNoExchange(t *testing.T) {
	ft := &fakeTransport{}
	pulled, err := NewPuller(ft, localSite, testSigner(t), 0).Pull(t.Context(), peerSite, "http://peer.example/", nil)
	require.NoError(t, err)
	assert.Empty(t, ft.calls)
	assert.Empty(t, pulled.Messages)
}
