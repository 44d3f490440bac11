package ism

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/roach88/sitenet/internal/keys"
	"github.com/roach88/sitenet/internal/tree"
)

// Document keys shared by every message.
const (
	keyEnvelope  = "envelope"
	keyType      = "type"
	keySignature = "signature"
)

// Encode builds the tree document for m, including the signature when set.
// It fails with an INCOMPLETE error if any field still holds a sentinel that
// a serialized message may not carry.
func Encode(m *Message) (tree.Object, error) {
	if m.Payload == nil {
		return nil, incomplete("", "payload", "message has no payload")
	}
	if u, ok := m.Payload.(*Unknown); ok {
		return nil, &Error{Code: CodeUnknownKind, Kind: Kind(u.TypeName), Message: "cannot re-encode an unknown kind"}
	}
	v, ok := catalog[m.Kind()]
	if !ok {
		return nil, &Error{Code: CodeUnknownKind, Kind: m.Kind(), Message: "kind is not cataloged"}
	}

	env, err := encodeEnvelope(m.Kind(), m.Envelope)
	if err != nil {
		return nil, err
	}
	body, err := m.Payload.encode()
	if err != nil {
		return nil, err
	}
	if rule, ok := m.Payload.(envelopeRule); ok {
		if err := rule.checkEnvelope(m.Envelope); err != nil {
			return nil, err
		}
	}

	doc := tree.Obj(
		tree.P(keyEnvelope, env),
		tree.P(keyType, tree.String(m.Kind())),
		tree.P(v.key, body),
	)
	if len(m.Signature) > 0 {
		doc[keySignature] = tree.String(base64.StdEncoding.EncodeToString(m.Signature))
	}
	return doc, nil
}

func encodeEnvelope(kind Kind, e Envelope) (tree.Object, error) {
	if !e.SourceSiteID.Valid() {
		return nil, incomplete(kind, "sourceSiteId", "source site is %s", e.SourceSiteID)
	}
	if e.DestSiteID == InvalidSite || e.DestSiteID < AllSites {
		return nil, incomplete(kind, "destSiteId", "destination site is %s", e.DestSiteID)
	}
	if !e.LinkLocal && !e.SourceSeqNum.Valid() {
		return nil, incomplete(kind, "sourceSeqNum", "message has not been stamped")
	}
	if e.SourceDate.IsZero() {
		return nil, incomplete(kind, "sourceDate", "source date is unset")
	}
	if e.DeliverTo == 0 {
		return nil, incomplete(kind, "deliverTo", "no delivery subsystem")
	}

	deliver := tree.Array{}
	for _, name := range e.DeliverTo.Names() {
		deliver = append(deliver, tree.String(name))
	}

	obj := tree.Obj(
		tree.P("sourceSiteId", tree.Int(e.SourceSiteID)),
		tree.P("destSiteId", tree.Int(e.DestSiteID)),
		tree.P("sourceDate", tree.String(formatTime(e.SourceDate))),
		tree.P("deliverTo", deliver),
	)
	obj.SetIf(e.SourceSeqNum.Valid(), "sourceSeqNum", tree.Int(e.SourceSeqNum))
	obj.SetIf(e.SourcePrevSeqNum.Valid(), "sourcePrevSeqNum", tree.Int(e.SourcePrevSeqNum))
	obj.SetIf(e.LinkLocal, "linkLocal", tree.Bool(true))
	return obj, nil
}

// SigningBytes returns the canonical bytes a signature covers: the whole
// document minus the signature itself. For a decoded message these are the
// bytes the sender produced, including any fields this build does not know.
func SigningBytes(m *Message) ([]byte, error) {
	doc := m.doc
	if doc == nil {
		var err error
		if doc, err = Encode(m); err != nil {
			return nil, err
		}
	}
	return tree.MarshalCanonical(doc.Without(keySignature))
}

// Marshal returns the canonical encoding of m, signature included.
func Marshal(m *Message) ([]byte, error) {
	if m.doc != nil {
		return tree.MarshalCanonical(m.doc)
	}
	doc, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return tree.MarshalCanonical(doc)
}

// Sign stamps m's signature and returns its canonical encoding.
func Sign(m *Message, signer keys.Signer) ([]byte, error) {
	data, err := SigningBytes(m)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", m.Kind(), err)
	}
	m.Signature = sig
	return Marshal(m)
}

// Verify checks m's signature against pub.
func Verify(m *Message, v keys.Verifier, pub keys.PublicKey) error {
	if len(m.Signature) == 0 {
		return invalid(m.Kind(), "message is unsigned")
	}
	data, err := SigningBytes(m)
	if err != nil {
		return err
	}
	if err := v.Verify(pub, data, m.Signature); err != nil {
		return &Error{Code: CodeValidation, Kind: m.Kind(), Message: "bad signature", Err: err}
	}
	return nil
}

// Digest identifies the signed content of m.
func Digest(m *Message) ([32]byte, error) {
	data, err := SigningBytes(m)
	if err != nil {
		return [32]byte{}, err
	}
	return tree.Digest(tree.DomainMessage, data), nil
}

// Unmarshal decodes a canonical (or any JSON) message document.
//
// A type tag outside the catalog decodes to an *Unknown payload so the
// envelope stays usable for storage and relay. Everything else that is
// missing or malformed is a DECODE error.
func Unmarshal(data []byte) (*Message, error) {
	doc, err := tree.Parse(data)
	if err != nil {
		return nil, decodeErr("", "", err)
	}
	return Decode(doc)
}

// Decode builds a Message from a document.
func Decode(doc tree.Object) (*Message, error) {
	typeName, err := doc.String(keyType)
	if err != nil {
		return nil, decodeErr("", keyType, err)
	}
	kind := Kind(typeName)

	envObj, err := doc.Object(keyEnvelope)
	if err != nil {
		return nil, decodeErr(kind, keyEnvelope, err)
	}
	env, err := decodeEnvelope(kind, envObj)
	if err != nil {
		return nil, err
	}

	m := &Message{Envelope: env, doc: doc}

	if sig, ok, err := doc.OptString(keySignature); err != nil {
		return nil, decodeErr(kind, keySignature, err)
	} else if ok {
		if m.Signature, err = base64.StdEncoding.DecodeString(sig); err != nil {
			return nil, decodeErr(kind, keySignature, err)
		}
	}

	v, ok := catalog[kind]
	if !ok {
		m.Payload = &Unknown{TypeName: typeName, Body: doc}
		return m, nil
	}

	body, err := doc.Object(v.key)
	if err != nil {
		return nil, decodeErr(kind, v.key, err)
	}
	r := &reader{kind: kind, obj: body}
	p := v.decode(r)
	if r.err != nil {
		return nil, r.err
	}
	m.Payload = p

	if env.LinkLocal != v.linkLocal {
		return nil, invalid(kind, "linkLocal=%t does not match the catalog", env.LinkLocal)
	}
	if rule, ok := p.(envelopeRule); ok {
		if err := rule.checkEnvelope(env); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func decodeEnvelope(kind Kind, obj tree.Object) (Envelope, error) {
	r := &reader{kind: kind, obj: obj}
	e := Envelope{
		SourceSiteID:     r.site("sourceSiteId"),
		DestSiteID:       r.site("destSiteId"),
		SourceSeqNum:     r.optSeq("sourceSeqNum"),
		SourcePrevSeqNum: r.optSeq("sourcePrevSeqNum"),
		SourceDate:       r.time("sourceDate"),
		LinkLocal:        r.optBool("linkLocal", false),
	}
	for _, name := range r.strings("deliverTo") {
		bit, ok := parseSubsystem(name)
		if !ok {
			r.fail("deliverTo", fmt.Errorf("unknown subsystem %q", name))
			break
		}
		e.DeliverTo |= bit
	}
	if r.err != nil {
		return Envelope{}, r.err
	}
	if !e.SourceSiteID.Valid() {
		return Envelope{}, decodeErr(kind, "sourceSiteId", fmt.Errorf("site id %d is reserved", e.SourceSiteID))
	}
	if e.DestSiteID < AllSites {
		return Envelope{}, decodeErr(kind, "destSiteId", fmt.Errorf("site id %d is reserved", e.DestSiteID))
	}
	if !e.LinkLocal && !e.SourceSeqNum.Valid() {
		return Envelope{}, decodeErr(kind, "sourceSeqNum", errors.New("required for non-link-local messages"))
	}
	return e, nil
}

// reader decodes fields from one subtree, keeping the first error.
type reader struct {
	kind Kind
	obj  tree.Object
	err  error
}

func (r *reader) fail(field string, err error) {
	if r.err == nil {
		r.err = decodeErr(r.kind, field, err)
	}
}

func (r *reader) int(key string) int64 {
	n, err := r.obj.Int(key)
	if err != nil {
		r.fail(key, err)
	}
	return n
}

func (r *reader) optInt(key string, def int64) int64 {
	n, err := r.obj.OptInt(key, def)
	if err != nil {
		r.fail(key, err)
	}
	return n
}

func (r *reader) str(key string) string {
	s, err := r.obj.String(key)
	if err != nil {
		r.fail(key, err)
	}
	return s
}

func (r *reader) optStr(key string) string {
	s, _, err := r.obj.OptString(key)
	if err != nil {
		r.fail(key, err)
	}
	return s
}

func (r *reader) bool(key string) bool {
	b, err := r.obj.Bool(key)
	if err != nil {
		r.fail(key, err)
	}
	return b
}

func (r *reader) optBool(key string, def bool) bool {
	b, err := r.obj.OptBool(key, def)
	if err != nil {
		r.fail(key, err)
	}
	return b
}

// int32 reads an id field; values outside the 32-bit range fail the
// decode instead of wrapping.
func (r *reader) int32(key string) int32 {
	return r.narrow(key, r.int(key))
}

func (r *reader) optInt32(key string, def int32) int32 {
	return r.narrow(key, r.optInt(key, int64(def)))
}

func (r *reader) narrow(key string, n int64) int32 {
	if n < math.MinInt32 || n > math.MaxInt32 {
		r.fail(key, fmt.Errorf("%d is out of range for a 32-bit id", n))
		return 0
	}
	return int32(n)
}

func (r *reader) site(key string) SiteID {
	return SiteID(r.int32(key))
}

func (r *reader) optSite(key string) SiteID {
	return SiteID(r.optInt32(key, int32(InvalidSite)))
}

func (r *reader) optSeq(key string) SeqNum {
	return SeqNum(r.optInt(key, int64(InvalidSeq)))
}

func (r *reader) time(key string) time.Time {
	s := r.str(key)
	if r.err != nil {
		return time.Time{}
	}
	t, err := parseTime(s)
	if err != nil {
		r.fail(key, err)
	}
	return t
}

func (r *reader) optTime(key string) time.Time {
	if !r.obj.Has(key) {
		return time.Time{}
	}
	return r.time(key)
}

func (r *reader) object(key string) *reader {
	obj, err := r.obj.Object(key)
	if err != nil {
		r.fail(key, err)
		return &reader{kind: r.kind, obj: tree.Object{}, err: r.err}
	}
	return &reader{kind: r.kind, obj: obj}
}

// join copies a nested reader's error back into r.
func (r *reader) join(sub *reader) {
	if r.err == nil && sub.err != nil {
		r.err = sub.err
	}
}

func (r *reader) strings(key string) []string {
	arr, err := r.obj.Array(key)
	if err != nil {
		r.fail(key, err)
		return nil
	}
	out := make([]string, 0, len(arr))
	for i, v := range arr {
		s, ok := v.(tree.String)
		if !ok {
			r.fail(key, fmt.Errorf("[%d] is %T, want string", i, v))
			return nil
		}
		out = append(out, string(s))
	}
	return out
}

func (r *reader) bytes(key string) []byte {
	s := r.str(key)
	if r.err != nil {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		r.fail(key, err)
	}
	return b
}

// Dates travel as RFC 3339 in UTC with nanoseconds so they round-trip exactly.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
