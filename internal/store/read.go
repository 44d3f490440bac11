package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/sitenet/internal/ism"
	"github.com/roach88/sitenet/internal/ledger"
)

const recordColumns = `source_site_id, seq, prev_seq, dest_site_id, direction, kind, source_date, digest, body, state`

// LedgerState returns the persisted emission ledger. ok is false when the
// site has never emitted anything.
func (s *Store) LedgerState(ctx context.Context) (st ledger.State, ok bool, err error) {
	var highest int64
	err = s.db.QueryRowContext(ctx, `SELECT highest_seq FROM ledger_state WHERE id = 1`).Scan(&highest)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.State{Highest: ism.InvalidSeq, Heads: []ledger.Head{}}, false, nil
	}
	if err != nil {
		return ledger.State{}, false, fmt.Errorf("read ledger state: %w", err)
	}
	st.Highest = ism.SeqNum(highest)

	rows, err := s.db.QueryContext(ctx, `SELECT dest_site_id, seq FROM channel_heads ORDER BY dest_site_id ASC`)
	if err != nil {
		return ledger.State{}, false, fmt.Errorf("query channel heads: %w", err)
	}
	defer rows.Close()

	st.Heads = []ledger.Head{}
	for rows.Next() {
		var dest, seq int64
		if err := rows.Scan(&dest, &seq); err != nil {
			return ledger.State{}, false, fmt.Errorf("scan channel head: %w", err)
		}
		st.Heads = append(st.Heads, ledger.Head{Dest: ism.SiteID(dest), Seq: ism.SeqNum(seq)})
	}
	if err := rows.Err(); err != nil {
		return ledger.State{}, false, fmt.Errorf("iterate channel heads: %w", err)
	}
	return st, true, nil
}

// IterateSent calls fn for every sent message in ascending sequence order.
// Iteration stops at the first error fn returns.
func (s *Store) IterateSent(ctx context.Context, fn func(Record) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM messages
		WHERE direction = ?
		ORDER BY seq ASC
	`, string(Sent))
	if err != nil {
		return fmt.Errorf("query sent log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate sent log: %w", err)
	}
	return nil
}

// Query selects stored messages originated by one site.
type Query struct {
	Origin ism.SiteID

	// VisibleTo restricts results to public messages and messages private
	// to this site. ism.InvalidSite disables the filter.
	VisibleTo ism.SiteID

	// After skips messages at or below this sequence number.
	After ism.SeqNum

	// ExcludePublicUpTo and ExcludePrivateUpTo skip messages the requester
	// has already applied, per visibility.
	ExcludePublicUpTo  ism.SeqNum
	ExcludePrivateUpTo ism.SeqNum

	// Direction restricts results to sent or received messages. Empty means both.
	Direction Direction

	// Limit caps the number of records returned. Zero means no limit; a
	// negative limit returns no records but still counts the matches.
	Limit int
}

// NewQuery returns a query for everything origin has emitted.
func NewQuery(origin ism.SiteID) Query {
	return Query{
		Origin:             origin,
		VisibleTo:          ism.InvalidSite,
		After:              ism.InvalidSeq,
		ExcludePublicUpTo:  ism.InvalidSeq,
		ExcludePrivateUpTo: ism.InvalidSeq,
	}
}

func (q Query) where() (string, []any) {
	clauses := []string{"source_site_id = ?", "seq > ?"}
	args := []any{int64(q.Origin), int64(q.After)}
	if q.VisibleTo != ism.InvalidSite {
		clauses = append(clauses, "(dest_site_id = ? OR dest_site_id = ?)")
		args = append(args, int64(ism.AllSites), int64(q.VisibleTo))
	}
	clauses = append(clauses, "((dest_site_id = ? AND seq > ?) OR (dest_site_id <> ? AND seq > ?))")
	args = append(args, int64(ism.AllSites), int64(q.ExcludePublicUpTo), int64(ism.AllSites), int64(q.ExcludePrivateUpTo))
	if q.Direction != "" {
		clauses = append(clauses, "direction = ?")
		args = append(args, string(q.Direction))
	}
	return strings.Join(clauses, " AND "), args
}

// Messages returns the records matching q in ascending sequence order,
// together with the number that matched before Limit was applied.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) Messages(ctx context.Context, q Query) ([]Record, int, error) {
	where, args := q.where()

	var matching int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE `+where, args...).Scan(&matching); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}
	if q.Limit < 0 {
		return []Record{}, matching, nil
	}

	query := `SELECT ` + recordColumns + ` FROM messages WHERE ` + where + ` ORDER BY seq ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate messages: %w", err)
	}
	return records, matching, nil
}

// Held returns every received message not yet applied, ordered by origin
// then sequence number.
func (s *Store) Held(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM messages
		WHERE direction = ? AND state = ?
		ORDER BY source_site_id ASC, seq ASC
	`, string(Received), string(StateHeld))
	if err != nil {
		return nil, fmt.Errorf("query held messages: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate held messages: %w", err)
	}
	return records, nil
}

// Record returns one stored message. Returns sql.ErrNoRows if not found.
func (s *Store) Record(ctx context.Context, source ism.SiteID, seq ism.SeqNum) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM messages
		WHERE source_site_id = ? AND seq = ?
	`, int64(source), int64(seq))
	return scanRecord(row)
}

// Watermarks returns the persisted reception watermarks ordered by source.
func (s *Store) Watermarks(ctx context.Context) ([]ledger.Watermark, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_site_id, public_seq, private_seq, final_seq, active
		FROM watermarks
		ORDER BY source_site_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query watermarks: %w", err)
	}
	defer rows.Close()

	marks := []ledger.Watermark{}
	for rows.Next() {
		var source, pub, priv, final int64
		var active bool
		if err := rows.Scan(&source, &pub, &priv, &final, &active); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		marks = append(marks, ledger.Watermark{
			Source:  ism.SiteID(source),
			Public:  ism.SeqNum(pub),
			Private: ism.SeqNum(priv),
			Final:   ism.SeqNum(final),
			Active:  active,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watermarks: %w", err)
	}
	return marks, nil
}

// Outcomes returns every recorded application attempt for one message, oldest first.
func (s *Store) Outcomes(ctx context.Context, source ism.SiteID, seq ism.SeqNum) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT succeeded, directives, error, recorded_at
		FROM outcomes
		WHERE source_site_id = ? AND seq = ?
		ORDER BY id ASC
	`, int64(source), int64(seq))
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	outs := []Outcome{}
	for rows.Next() {
		var (
			o          = Outcome{Source: source, Seq: seq}
			directives string
			recorded   string
		)
		if err := rows.Scan(&o.Succeeded, &directives, &o.Error, &recorded); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		if err := json.Unmarshal([]byte(directives), &o.Directives); err != nil {
			return nil, fmt.Errorf("decode outcome directives: %w", err)
		}
		if o.RecordedAt, err = time.Parse(time.RFC3339Nano, recorded); err != nil {
			return nil, fmt.Errorf("decode outcome time: %w", err)
		}
		outs = append(outs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return outs, nil
}

// Identity returns the local site's identity, if one has been set.
func (s *Store) Identity(ctx context.Context) (Identity, bool, error) {
	var (
		id    Identity
		site  int64
		grant string
	)
	err := s.db.QueryRowContext(ctx, `SELECT site_id, grant_body FROM identity WHERE id = 1`).Scan(&site, &grant)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, fmt.Errorf("read identity: %w", err)
	}
	id.SiteID = ism.SiteID(site)
	id.Grant = []byte(grant)
	return id, true, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                     Record
		source, seq, prev, dest int64
		direction, kind, state  string
		date, body              string
	)
	if err := row.Scan(&source, &seq, &prev, &dest, &direction, &kind, &date, &rec.Digest, &body, &state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan message: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, date)
	if err != nil {
		return Record{}, fmt.Errorf("scan message %d/%d: source date: %w", source, seq, err)
	}
	rec.Source = ism.SiteID(source)
	rec.Seq = ism.SeqNum(seq)
	rec.Prev = ism.SeqNum(prev)
	rec.Dest = ism.SiteID(dest)
	rec.Direction = Direction(direction)
	rec.Kind = ism.Kind(kind)
	rec.State = State(state)
	rec.SourceDate = t
	rec.Body = []byte(body)
	return rec, nil
}
