package ism

import (
	"encoding/base64"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sitenet/internal/keys"
	"github.com/roach88/sitenet/internal/tree"
)

var testDate = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func stamped(p Payload, source, dest SiteID, seq, prev SeqNum) *Message {
	m := New(p, source, dest)
	m.SourceSeqNum = seq
	m.SourcePrevSeqNum = prev
	m.SourceDate = testDate
	return m
}

func testKey(t *testing.T) (keys.Signer, keys.PublicKey) {
	t.Helper()
	priv, pub, err := keys.Generate(keys.Ed25519, nil)
	require.NoError(t, err)
	signer, err := keys.NewSigner(priv)
	require.NoError(t, err)
	return signer, pub
}

func testSite(t *testing.T, id SiteID) SiteInfo {
	t.Helper()
	_, pub := testKey(t)
	return SiteInfo{ID: id, Name: "Site", ShortName: "s", BaseURL: "http://s/", PublicKey: pub, IsActive: true}
}

func TestRoundTripRepresentativeKinds(t *testing.T) {
	site := testSite(t, 29168)
	priv, _, err := keys.Generate(keys.BLS12381, nil)
	require.NoError(t, err)

	msgs := []*Message{
		stamped(&SiteActivation{Site: site}, Coordinator, AllSites, 2, 0),
		stamped(&SiteGrant{PrivateKey: priv}, Coordinator, 29168, 5, InvalidSeq),
		stamped(&LabActivation{Lab: LabInfo{ID: 12, Name: "Lab", HomeSiteID: 29168, IsActive: true}}, Coordinator, AllSites, 3, 2),
		stamped(NewTransferInitiate(21860, 29168), Coordinator, 29168, 43, 5),
		stamped(&SiteStatistics{PeriodStart: testDate, PeriodEnd: testDate.Add(time.Hour), Counters: map[string]int64{"hits": 3}}, 29168, 0, 9, 8),
		stamped(&SiteReset{OtherSiteID: 77, PublicSeqNum: 10, PrivateSeqNum: DontReset}, Coordinator, 29168, 44, 43),
		stamped(&ForceUpgrade{Version: "0.9.1"}, Coordinator, AllSites, 45, 3),
		stamped(&RepositoryHolding{SampleID: 5, SiteID: 29168, Level: HoldingFull, URLs: []string{"http://r/5"}}, 29168, AllSites, 10, 7),
	}

	for _, m := range msgs {
		t.Run(string(m.Kind()), func(t *testing.T) {
			data, err := Marshal(m)
			require.NoError(t, err)

			got, err := Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, m.Envelope, got.Envelope)
			assert.Equal(t, m.Payload, got.Payload)
		})
	}
}

func TestEncodeRequiresStamp(t *testing.T) {
	m := Broadcast(&ForceUpgrade{Version: "1.0"}, Coordinator)
	m.SourceDate = testDate

	_, err := Marshal(m)
	require.Error(t, err)
	assert.True(t, IsIncomplete(err))
}

func TestEncodeRejectsInvalidSentinels(t *testing.T) {
	tests := []struct {
		name string
		m    *Message
	}{
		{"site activation with invalid site", stamped(&SiteActivation{Site: SiteInfo{ID: InvalidSite, Name: "x"}}, Coordinator, AllSites, 1, InvalidSeq)},
		{"invalid block func", stamped(&SampleIDBlock{Func: BlockInvalid, BlockID: 9}, Coordinator, AllSites, 1, InvalidSeq)},
		{"transfer without recipient", stamped(&SampleIDBlock{Func: BlockTransferInitiate, BlockID: 9, OtherSiteID: InvalidSite}, Coordinator, 4, 1, InvalidSeq)},
		{"replay without limit", New(&ReplayRequest{RequestedSiteID: 4}, 3, 4)},
		{"reset that resets nothing", stamped(&SiteReset{OtherSiteID: 7, PublicSeqNum: DontReset, PrivateSeqNum: DontReset}, Coordinator, 4, 1, InvalidSeq)},
		{"invalid destination", stamped(&ForceUpgrade{Version: "1"}, Coordinator, InvalidSite, 1, InvalidSeq)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.m.SourceDate = testDate
			_, err := Encode(tt.m)
			require.Error(t, err)
			assert.True(t, IsIncomplete(err), "got %v", err)
		})
	}
}

func TestEnvelopeRules(t *testing.T) {
	tests := []struct {
		name string
		m    *Message
	}{
		{"broadcast grant", stamped(&SiteGrant{PrivateKey: keys.PrivateKey{Algorithm: keys.Ed25519, Format: keys.FormatRaw, Bytes: make([]byte, 32)}}, Coordinator, AllSites, 1, InvalidSeq)},
		{"broadcast reset", stamped(&SiteReset{OtherSiteID: 7, PublicSeqNum: 1, PrivateSeqNum: 1}, Coordinator, AllSites, 1, InvalidSeq)},
		{"reset from non-coordinator", stamped(&SiteReset{OtherSiteID: 7, PublicSeqNum: 1, PrivateSeqNum: 1}, 5, 6, 1, InvalidSeq)},
		{"reset naming recipient", stamped(&SiteReset{OtherSiteID: 6, PublicSeqNum: 1, PrivateSeqNum: 1}, Coordinator, 6, 1, InvalidSeq)},
		{"join from coordinator", stamped(&Join{JoinedSiteID: 5, JoinedSiteSeqNum: 3}, Coordinator, AllSites, 1, InvalidSeq)},
		{"join own channel", stamped(&Join{JoinedSiteID: 5, JoinedSiteSeqNum: 3}, 5, AllSites, 1, InvalidSeq)},
		{"transfer to other dest", stamped(NewTransferInitiate(9, 4), Coordinator, 5, 1, InvalidSeq)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.m)
			require.Error(t, err)
			assert.True(t, IsValidationError(err), "got %v", err)
		})
	}
}

func TestDecodeFailures(t *testing.T) {
	good := stamped(NewClaim(21860), Coordinator, AllSites, 42, 41)
	doc, err := Encode(good)
	require.NoError(t, err)

	t.Run("missing variant subtree", func(t *testing.T) {
		_, err := Decode(doc.Without("sampleIdBlock"))
		require.Error(t, err)
		assert.True(t, IsDecodeError(err))
	})

	t.Run("missing envelope", func(t *testing.T) {
		_, err := Decode(doc.Without("envelope"))
		assert.True(t, IsDecodeError(err))
	})

	t.Run("unrecognized func code", func(t *testing.T) {
		bad := doc.Without("sampleIdBlock")
		bad["sampleIdBlock"] = tree.Obj(tree.P("func", tree.Int(999)), tree.P("blockId", tree.Int(21860)))
		_, err := Decode(bad)
		require.Error(t, err)
		assert.True(t, IsDecodeError(err))
		assert.Contains(t, err.Error(), "999")
	})

	t.Run("unstamped regular message", func(t *testing.T) {
		env, err := doc.Object("envelope")
		require.NoError(t, err)
		bad := doc.Without("envelope")
		bad["envelope"] = env.Without("sourceSeqNum")
		_, err = Decode(bad)
		assert.True(t, IsDecodeError(err))
	})

	t.Run("not json", func(t *testing.T) {
		_, err := Unmarshal([]byte("<message/>"))
		assert.True(t, IsDecodeError(err))
	})
}

func TestDecodeRejectsOutOfRangeIDs(t *testing.T) {
	doc, err := Encode(stamped(NewClaim(21860), Coordinator, AllSites, 42, 41))
	require.NoError(t, err)

	t.Run("site id", func(t *testing.T) {
		env, err := doc.Object("envelope")
		require.NoError(t, err)
		bad := doc.Without("envelope")
		bad["envelope"] = env.Without("destSiteId").Set("destSiteId", tree.Int(1<<32+29168))
		_, err = Decode(bad)
		require.Error(t, err)
		assert.True(t, IsDecodeError(err))
		assert.Contains(t, err.Error(), "destSiteId")
	})

	t.Run("block id", func(t *testing.T) {
		blk, err := doc.Object("sampleIdBlock")
		require.NoError(t, err)
		bad := doc.Without("sampleIdBlock")
		bad["sampleIdBlock"] = blk.Without("blockId").Set("blockId", tree.Int(math.MaxInt32+1))
		_, err = Decode(bad)
		assert.True(t, IsDecodeError(err))
	})

	t.Run("below range", func(t *testing.T) {
		blk, err := doc.Object("sampleIdBlock")
		require.NoError(t, err)
		bad := doc.Without("sampleIdBlock")
		bad["sampleIdBlock"] = blk.Without("blockId").Set("blockId", tree.Int(math.MinInt32-1))
		_, err = Decode(bad)
		assert.True(t, IsDecodeError(err))
	})
}

func TestDecodeSiteInfoRequiresEncodedFields(t *testing.T) {
	site := testSite(t, 29168)
	site.IsActive = false
	site.ShortName = ""
	doc, err := Encode(stamped(&SiteActivation{Site: site}, Coordinator, AllSites, 2, 1))
	require.NoError(t, err)

	m, err := Decode(doc)
	require.NoError(t, err)
	got := m.Payload.(*SiteActivation).Site
	assert.False(t, got.IsActive)
	assert.Empty(t, got.ShortName)

	for _, field := range []string{"isActive", "shortName"} {
		t.Run("without "+field, func(t *testing.T) {
			act, err := doc.Object("siteActivation")
			require.NoError(t, err)
			info, err := act.Object("site")
			require.NoError(t, err)
			bad := doc.Without("siteActivation")
			bad["siteActivation"] = act.Without("site").Set("site", info.Without(field))
			_, err = Decode(bad)
			require.Error(t, err)
			assert.True(t, IsDecodeError(err))
			assert.Contains(t, err.Error(), field)
		})
	}
}

func TestDecodeUnsupportedKeyAlgorithm(t *testing.T) {
	grant := stamped(&SiteGrant{PrivateKey: keys.PrivateKey{Algorithm: keys.Ed25519, Format: keys.FormatRaw, Bytes: make([]byte, 32)}},
		Coordinator, 11, 1, InvalidSeq)
	doc, err := Encode(grant)
	require.NoError(t, err)

	body, err := doc.Object("siteGrant")
	require.NoError(t, err)
	key, err := body.Object("privateKey")
	require.NoError(t, err)
	key["algorithm"] = tree.String("DSA")

	_, err = Decode(doc)
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))
	assert.ErrorIs(t, err, keys.ErrUnsupported)
}

func TestUnknownKindDecodesButCannotEncode(t *testing.T) {
	m := stamped(&ForceUpgrade{Version: "2"}, Coordinator, AllSites, 7, 6)
	doc, err := Encode(m)
	require.NoError(t, err)
	doc["type"] = tree.String("HologramISM")
	doc["hologram"] = tree.Obj(tree.P("x", tree.Int(1)))

	got, err := Decode(doc)
	require.NoError(t, err)
	assert.Equal(t, Kind("HologramISM"), got.Kind())
	assert.Equal(t, SeqNum(7), got.SourceSeqNum)
	assert.False(t, got.Kind().Known())

	// The retained document still marshals, so the message can be relayed.
	_, err = Marshal(got)
	assert.NoError(t, err)

	_, err = Encode(got)
	assert.True(t, IsUnknownKind(err))
}

func TestSignAndVerify(t *testing.T) {
	signer, pub := testKey(t)
	m := stamped(NewClaim(21860), Coordinator, AllSites, 42, 41)

	data, err := Sign(m, signer)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.NoError(t, Verify(got, keys.StandardVerifier{}, pub))

	_, otherPub := testKey(t)
	err = Verify(got, keys.StandardVerifier{}, otherPub)
	assert.True(t, IsValidationError(err))

	unsigned := stamped(NewClaim(1), Coordinator, AllSites, 1, InvalidSeq)
	assert.True(t, IsValidationError(Verify(unsigned, keys.StandardVerifier{}, pub)))
}

func TestSignatureCoversFieldsThisBuildDoesNotKnow(t *testing.T) {
	signer, pub := testKey(t)
	m := stamped(&ForceUpgrade{Version: "3"}, Coordinator, AllSites, 8, 7)

	doc, err := Encode(m)
	require.NoError(t, err)
	body, err := doc.Object("forceUpgrade")
	require.NoError(t, err)
	body["deadline"] = tree.String("soon")

	signing, err := tree.MarshalCanonical(doc)
	require.NoError(t, err)
	sig, err := signer.Sign(signing)
	require.NoError(t, err)

	withSig := doc.Without(keySignature)
	withSig[keySignature] = tree.String(base64.StdEncoding.EncodeToString(sig))
	data, err := tree.MarshalCanonical(withSig)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, &ForceUpgrade{Version: "3"}, got.Payload)
	assert.NoError(t, Verify(got, keys.StandardVerifier{}, pub))
}

func TestReplayRequestNamesCoordinatorLiterally(t *testing.T) {
	m := New(&ReplayRequest{RequestedSiteID: Coordinator, ExcludePublicUpTo: 40, ExcludePrivateUpTo: InvalidSeq, MaxIsmsToReplay: 100}, 5, Coordinator)
	m.SourceDate = testDate

	doc, err := Encode(m)
	require.NoError(t, err)
	body, err := doc.Object("replayRequest")
	require.NoError(t, err)
	assert.Equal(t, tree.String("coordinator"), body["requestedSiteId"])
	assert.False(t, body.Has("excludePrivateSeqNumsUpTo"))

	got, err := Decode(doc)
	require.NoError(t, err)
	assert.Equal(t, m.Payload, got.Payload)
	assert.True(t, got.LinkLocal)
}

func TestCatalogIsExhaustive(t *testing.T) {
	kinds := Kinds()
	assert.Len(t, kinds, 18)

	seen := map[string]bool{}
	for _, k := range kinds {
		v := catalog[k]
		assert.NotEmpty(t, v.key, k)
		assert.NotNil(t, v.decode, k)
		assert.NotZero(t, v.deliverTo, k)
		assert.False(t, seen[v.key], "duplicate subtree key %s", v.key)
		seen[v.key] = true
	}
	assert.True(t, KindReplayRequest.LinkLocal())
	assert.False(t, KindSiteGrant.LinkLocal())
}

func TestDigestIgnoresSignature(t *testing.T) {
	signer, _ := testKey(t)
	m := stamped(NewClaim(3), Coordinator, AllSites, 1, 0)
	before, err := Digest(m)
	require.NoError(t, err)

	_, err = Sign(m, signer)
	require.NoError(t, err)
	after, err := Digest(m)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
