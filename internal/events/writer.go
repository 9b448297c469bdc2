package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"docline/internal/domain"
	"docline/internal/repo"
)

// ErrInvalidPayload marks an event payload that fails its kind's schema.
// Nothing is written when it is returned.
var ErrInvalidPayload = errors.New("invalid event payload")

// ErrConcurrentModification means another writer appended to the same
// document between the caller's read and this append. The caller should
// re-read current state and reissue the operation; it is the only error
// in this package worth retrying.
var ErrConcurrentModification = errors.New("concurrent modification")

// Writer appends events to the per-document log. All appends happen
// inside the caller's transaction so the projection update, snapshot
// and event commit or roll back together.
type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append assigns the next gapless sequence number for the document,
// stamps the current time and persists the event. A racing append on
// the same document surfaces as ErrConcurrentModification via the
// (doc_id, seq) primary key.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, docID, actorID, description string, payload domain.EventPayload) (domain.Event, error) {
	if payload == nil {
		return domain.Event{}, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if err := payload.Validate(); err != nil {
		return domain.Event{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, payload.Kind(), err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	seq, err := w.Repo.NextSeq(ctx, tx, docID)
	if err != nil {
		return domain.Event{}, err
	}
	e := domain.Event{
		DocID:       docID,
		Seq:         seq,
		TS:          domain.FormatTime(w.now()),
		ActorID:     actorID,
		Kind:        payload.Kind(),
		Description: description,
		Payload:     string(data),
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(doc_id,seq,ts,actor_id,kind,description,payload_json) VALUES (?,?,?,?,?,?,?)`,
		e.DocID, e.Seq, e.TS, e.ActorID, e.Kind, e.Description, e.Payload)
	if err != nil {
		if isConstraintErr(err) {
			return domain.Event{}, fmt.Errorf("%w: document %s seq %d", ErrConcurrentModification, docID, seq)
		}
		return domain.Event{}, err
	}
	return e, nil
}

// modernc.org/sqlite reports key collisions in the error text; there
// is no typed error to match on. Match the events primary key by name
// so foreign-key failures keep their own error.
func isConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: events.")
}
