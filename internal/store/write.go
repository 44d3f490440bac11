package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/sitenet/internal/ism"
	"github.com/roach88/sitenet/internal/ledger"
)

// AppendSent appends one emitted message and the ledger state that
// produced it in a single transaction. Either both land or neither does,
// so a crash can never skip or reuse a sequence number.
func (s *Store) AppendSent(ctx context.Context, rec Record, st ledger.State) error {
	if rec.Direction != Sent {
		return fmt.Errorf("append sent: record direction is %q", rec.Direction)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append sent: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages
		(source_site_id, seq, prev_seq, dest_site_id, direction, kind, source_date, digest, body, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_site_id, seq) DO NOTHING
	`, recordArgs(rec)...)
	if err != nil {
		return fmt.Errorf("append sent: insert: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("append sent: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("append sent %s/%d: %w", rec.Source, rec.Seq, ErrSeqTaken)
	}

	if err := writeLedgerState(ctx, tx, rec.Source, st); err != nil {
		return fmt.Errorf("append sent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append sent: commit: %w", err)
	}
	return nil
}

// txExecer is satisfied by *sql.Tx.
type txExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func writeLedgerState(ctx context.Context, tx txExecer, source ism.SiteID, st ledger.State) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_state (id, source_site_id, highest_seq) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET source_site_id = excluded.source_site_id, highest_seq = excluded.highest_seq
	`, int64(source), int64(st.Highest)); err != nil {
		return fmt.Errorf("write ledger state: %w", err)
	}
	for _, h := range st.Heads {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channel_heads (dest_site_id, seq) VALUES (?, ?)
			ON CONFLICT(dest_site_id) DO UPDATE SET seq = excluded.seq
		`, int64(h.Dest), int64(h.Seq)); err != nil {
			return fmt.Errorf("write channel head %s: %w", h.Dest, err)
		}
	}
	return nil
}

// AppendReceived stores a message received from a peer in the held state.
// Re-delivery of a stored message is a no-op; inserted reports whether the
// record is new.
func (s *Store) AppendReceived(ctx context.Context, rec Record) (inserted bool, err error) {
	if rec.Direction != Received {
		return false, fmt.Errorf("append received: record direction is %q", rec.Direction)
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages
		(source_site_id, seq, prev_seq, dest_site_id, direction, kind, source_date, digest, body, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_site_id, seq) DO NOTHING
	`, recordArgs(rec)...)
	if err != nil {
		return false, fmt.Errorf("append received: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append received: rows affected: %w", err)
	}
	return n > 0, nil
}

// Settle records the outcome of applying a received message. On success the
// message moves to the applied state and the reception watermarks are
// saved in the same transaction.
func (s *Store) Settle(ctx context.Context, out Outcome, marks []ledger.Watermark) error {
	directives, err := json.Marshal(nonNil(out.Directives))
	if err != nil {
		return fmt.Errorf("settle: encode directives: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settle: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outcomes (source_site_id, seq, succeeded, directives, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, int64(out.Source), int64(out.Seq), out.Succeeded, string(directives), out.Error,
		out.RecordedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("settle: insert outcome: %w", err)
	}

	if out.Succeeded {
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET state = ? WHERE source_site_id = ? AND seq = ? AND direction = ?
		`, string(StateApplied), int64(out.Source), int64(out.Seq), string(Received)); err != nil {
			return fmt.Errorf("settle: mark applied: %w", err)
		}
	}

	if err := writeWatermarks(ctx, tx, marks); err != nil {
		return fmt.Errorf("settle: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("settle: commit: %w", err)
	}
	return nil
}

// SaveWatermarks replaces the stored reception watermarks for the given sources.
func (s *Store) SaveWatermarks(ctx context.Context, marks []ledger.Watermark) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save watermarks: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := writeWatermarks(ctx, tx, marks); err != nil {
		return fmt.Errorf("save watermarks: %w", err)
	}
	return tx.Commit()
}

func writeWatermarks(ctx context.Context, tx txExecer, marks []ledger.Watermark) error {
	for _, w := range marks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO watermarks (source_site_id, public_seq, private_seq, final_seq, active)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(source_site_id) DO UPDATE SET
				public_seq = excluded.public_seq,
				private_seq = excluded.private_seq,
				final_seq = excluded.final_seq,
				active = excluded.active
		`, int64(w.Source), int64(w.Public), int64(w.Private), int64(w.Final), w.Active); err != nil {
			return fmt.Errorf("write watermark %s: %w", w.Source, err)
		}
	}
	return nil
}

// SetIdentity records the local site's identity. It can be written once;
// a second call with a different site id fails.
func (s *Store) SetIdentity(ctx context.Context, id Identity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity (id, site_id, grant_body) VALUES (1, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, int64(id.SiteID), string(id.Grant))
	if err != nil {
		return fmt.Errorf("set identity: %w", err)
	}

	got, ok, err := s.Identity(ctx)
	if err != nil {
		return err
	}
	if !ok || got.SiteID != id.SiteID {
		return fmt.Errorf("set identity: store already belongs to site %s", got.SiteID)
	}
	return nil
}

func recordArgs(rec Record) []any {
	return []any{
		int64(rec.Source),
		int64(rec.Seq),
		int64(rec.Prev),
		int64(rec.Dest),
		string(rec.Direction),
		string(rec.Kind),
		rec.SourceDate.UTC().Format(time.RFC3339Nano),
		rec.Digest,
		string(rec.Body),
		string(rec.State),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
