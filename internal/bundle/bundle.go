// Package bundle reads and writes site grant files.
//
// A grant file carries everything a new site needs to join: the messages
// it must apply first, in emission order, followed by the SiteGrant that
// names the site and delivers its private key. The file is a small JSON
// document compressed with zstd.
package bundle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/roach88/sitenet/internal/ism"
)

// FormatVersion tags the document inside a grant file.
const FormatVersion = "sitenet-bundle/1"

// maxDecodedBytes bounds the decompressed size of a grant file.
const maxDecodedBytes = 256 << 20

var (
	// ErrNoGrant is returned when a bundle does not end in a SiteGrant.
	ErrNoGrant = errors.New("bundle has no trailing site grant")

	// ErrFormat is returned for a document this build cannot read.
	ErrFormat = errors.New("unrecognized bundle format")
)

// Bundle is an ordered list of encoded messages plus the trailing grant.
// Messages and Grant hold canonical encodings, signatures included, so a
// bundle is replayed byte-for-byte as the Coordinator emitted it.
type Bundle struct {
	Messages [][]byte
	Grant    []byte
}

type document struct {
	Format   string            `json:"format"`
	Messages []json.RawMessage `json:"messages"`
	Grant    json.RawMessage   `json:"grant"`
}

// New checks that grant decodes to a SiteGrant and returns the bundle.
func New(msgs [][]byte, grant []byte) (*Bundle, error) {
	b := &Bundle{Messages: msgs, Grant: grant}
	if _, err := b.GrantMessage(); err != nil {
		return nil, err
	}
	return b, nil
}

// GrantMessage decodes the trailing grant.
func (b *Bundle) GrantMessage() (*ism.Message, error) {
	if len(b.Grant) == 0 {
		return nil, ErrNoGrant
	}
	m, err := ism.Unmarshal(b.Grant)
	if err != nil {
		return nil, fmt.Errorf("decode grant: %w", err)
	}
	if _, ok := m.Payload.(*ism.SiteGrant); !ok {
		return nil, fmt.Errorf("trailing message is %s: %w", m.Kind(), ErrNoGrant)
	}
	return m, nil
}

// SiteID returns the site the bundle was issued to.
func (b *Bundle) SiteID() (ism.SiteID, error) {
	g, err := b.GrantMessage()
	if err != nil {
		return ism.InvalidSite, err
	}
	return g.DestSiteID, nil
}

// Decode returns the bundled messages in order, without the grant.
func (b *Bundle) Decode() ([]*ism.Message, error) {
	out := make([]*ism.Message, 0, len(b.Messages))
	for i, raw := range b.Messages {
		m, err := ism.Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("decode bundled message %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Summary writes one Display block per bundled message, then the grant.
func (b *Bundle) Summary(w io.Writer) error {
	msgs, err := b.Decode()
	if err != nil {
		return err
	}
	g, err := b.GrantMessage()
	if err != nil {
		return err
	}
	for _, m := range append(msgs, g) {
		if err := ism.Display(w, m); err != nil {
			return err
		}
	}
	return nil
}

// Write encodes b to w.
func Write(w io.Writer, b *Bundle) error {
	doc := document{
		Format:   FormatVersion,
		Messages: make([]json.RawMessage, len(b.Messages)),
		Grant:    json.RawMessage(b.Grant),
	}
	for i, m := range b.Messages {
		doc.Messages[i] = json.RawMessage(m)
	}
	var data bytes.Buffer
	je := json.NewEncoder(&data)
	je.SetEscapeHTML(false)
	if err := je.Encode(doc); err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create encoder: %w", err)
	}
	defer enc.Close()

	if _, err := w.Write(enc.EncodeAll(data.Bytes(), nil)); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	return nil
}

// Read decodes a bundle from r and checks its trailing grant.
func Read(r io.Reader) (*Bundle, error) {
	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedBytes))
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	defer dec.Close()

	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress bundle: %w", err)
	}

	var doc document
	d := json.NewDecoder(bytes.NewReader(data))
	if err := d.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}
	if doc.Format != FormatVersion {
		return nil, fmt.Errorf("%w: %q", ErrFormat, doc.Format)
	}

	msgs := make([][]byte, len(doc.Messages))
	for i, m := range doc.Messages {
		msgs[i] = []byte(m)
	}
	return New(msgs, []byte(doc.Grant))
}

// WriteFile writes b to path, replacing any existing file.
func WriteFile(path string, b *Bundle) error {
	var buf bytes.Buffer
	if err := Write(&buf, b); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write grant file: %w", err)
	}
	return nil
}

// ReadFile reads the bundle stored at path.
func ReadFile(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open grant file: %w", err)
	}
	defer f.Close()
	return Read(f)
}
