package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"docline/internal/domain"
	"docline/internal/events"
	"docline/internal/repo"
)

// Store materializes point-in-time document snapshots keyed by the
// event that caused them. Losing every snapshot loses replay speed,
// never information: everything here is derivable from the event log.
type Store struct {
	Repo repo.Repo
}

// Significant reports whether an event kind warrants a snapshot.
func Significant(kind string) bool {
	switch kind {
	case domain.EventDocCreated, domain.EventStateChanged, domain.EventTagsChanged,
		domain.EventRevChanged, domain.EventMetaChanged:
		return true
	}
	return false
}

// Capture stores the post-transition projection as the snapshot for the
// event just appended. Must run in the same transaction as the append.
func (s Store) Capture(ctx context.Context, tx *sql.Tx, e domain.Event, doc domain.Document) (domain.Snapshot, error) {
	snap := domain.Snapshot{
		DocID:         e.DocID,
		EventSeq:      e.Seq,
		TS:            e.TS,
		Rev:           doc.Rev,
		Title:         doc.Title,
		Stream:        doc.Stream,
		AD:            doc.AD,
		IntendedLevel: doc.IntendedLevel,
		States:        copyStates(doc.States),
		Tags:          copyTags(doc.Tags),
	}
	if err := s.Repo.InsertSnapshot(ctx, tx, snap); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

// ProjectionAsOf reconstructs the document as it was at t: the nearest
// prior snapshot plus a replay of the events between it and t.
func (s Store) ProjectionAsOf(ctx context.Context, docID string, t time.Time) (domain.Document, error) {
	ts := domain.FormatTime(t)
	var base domain.Document
	var sinceSeq int64
	snap, err := s.Repo.LatestSnapshotBefore(ctx, docID, ts)
	switch {
	case err == nil:
		base = fromSnapshot(snap)
		sinceSeq = snap.EventSeq
	case errors.Is(err, repo.ErrNotFound):
		// No snapshot yet; replay from the beginning.
	default:
		return domain.Document{}, err
	}
	evts, err := s.Repo.EventsFor(ctx, docID, sinceSeq)
	if err != nil {
		return domain.Document{}, err
	}
	for _, e := range evts {
		if e.TS > ts {
			break
		}
		events.Apply(&base, e)
	}
	if base.ID == "" {
		return domain.Document{}, repo.ErrNotFound
	}
	if base.Name == "" {
		// Snapshots omit the immutable identity fields; fill them from
		// the live row.
		if d, err := s.Repo.GetDocument(ctx, docID); err == nil {
			base.Name = d.Name
			base.Type = d.Type
			base.Group = d.Group
			base.CreatedAt = d.CreatedAt
		}
	}
	return base, nil
}

// StateAsOf returns the per-state-type current states at t.
func (s Store) StateAsOf(ctx context.Context, docID string, t time.Time) (map[string]string, error) {
	doc, err := s.ProjectionAsOf(ctx, docID, t)
	if err != nil {
		return nil, err
	}
	return doc.States, nil
}

func fromSnapshot(snap domain.Snapshot) domain.Document {
	return domain.Document{
		ID:            snap.DocID,
		Rev:           snap.Rev,
		Title:         snap.Title,
		Stream:        snap.Stream,
		AD:            snap.AD,
		IntendedLevel: snap.IntendedLevel,
		States:        copyStates(snap.States),
		Tags:          copyTags(snap.Tags),
		UpdatedAt:     snap.TS,
	}
}

func copyStates(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyTags(in map[string][]string) map[string][]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
