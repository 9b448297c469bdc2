package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"docline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// --- documents ---

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(id,name,type,rev,title,stream,grp,ad,intended_level,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Name, d.Type, d.Rev, d.Title, nullable(d.Stream), nullable(d.Group), nullable(d.AD), nullable(d.IntendedLevel), d.CreatedAt, d.UpdatedAt)
	return err
}

func scanDocument(row *sql.Row) (domain.Document, error) {
	var d domain.Document
	var stream, grp, ad, level sql.NullString
	err := row.Scan(&d.ID, &d.Name, &d.Type, &d.Rev, &d.Title, &stream, &grp, &ad, &level, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Stream = stream.String
	d.Group = grp.String
	d.AD = ad.String
	d.IntendedLevel = level.String
	return d, nil
}

const documentColumns = `id,name,type,rev,title,stream,grp,ad,intended_level,created_at,updated_at`

// GetDocument returns the document projection including its current
// states and tags.
func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	d, err := scanDocument(r.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id))
	if err != nil {
		return d, err
	}
	if d.States, err = r.DocumentStates(ctx, id); err != nil {
		return d, err
	}
	if d.Tags, err = r.DocumentTags(ctx, id); err != nil {
		return d, err
	}
	return d, nil
}

// GetDocumentByName resolves a document by its unique name.
func (r Repo) GetDocumentByName(ctx context.Context, name string) (domain.Document, error) {
	d, err := scanDocument(r.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE name=?`, name))
	if err != nil {
		return d, err
	}
	return r.GetDocument(ctx, d.ID)
}

func (r Repo) ListDocuments(ctx context.Context, docType string) ([]domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents`
	var args []any
	if docType != "" {
		query += ` WHERE type=?`
		args = append(args, docType)
	}
	query += ` ORDER BY name`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Document
	for rows.Next() {
		var d domain.Document
		var stream, grp, ad, level sql.NullString
		if err := rows.Scan(&d.ID, &d.Name, &d.Type, &d.Rev, &d.Title, &stream, &grp, &ad, &level, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Stream = stream.String
		d.Group = grp.String
		d.AD = ad.String
		d.IntendedLevel = level.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDocumentScalars writes the mutable scalar projection fields.
func (r Repo) UpdateDocumentScalars(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	res, err := tx.ExecContext(ctx, `UPDATE documents SET rev=?, title=?, stream=?, ad=?, intended_level=?, updated_at=? WHERE id=?`,
		d.Rev, d.Title, nullable(d.Stream), nullable(d.AD), nullable(d.IntendedLevel), d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- states and tags ---

func (r Repo) DocumentStates(ctx context.Context, docID string) (map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state_type, state FROM doc_states WHERE doc_id=?`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	states := map[string]string{}
	for rows.Next() {
		var st, s string
		if err := rows.Scan(&st, &s); err != nil {
			return nil, err
		}
		states[st] = s
	}
	return states, rows.Err()
}

func (r Repo) DocumentTags(ctx context.Context, docID string) (map[string][]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state_type, tag FROM doc_tags WHERE doc_id=? ORDER BY state_type, tag`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tags := map[string][]string{}
	for rows.Next() {
		var st, tag string
		if err := rows.Scan(&st, &tag); err != nil {
			return nil, err
		}
		tags[st] = append(tags[st], tag)
	}
	if len(tags) == 0 {
		return nil, rows.Err()
	}
	return tags, rows.Err()
}

func (r Repo) SetDocumentState(ctx context.Context, tx *sql.Tx, docID, stateType, state string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO doc_states(doc_id,state_type,state) VALUES (?,?,?)
ON CONFLICT(doc_id,state_type) DO UPDATE SET state=excluded.state`, docID, stateType, state)
	return err
}

// ReplaceDocumentTags overwrites the tag set of one state type.
func (r Repo) ReplaceDocumentTags(ctx context.Context, tx *sql.Tx, docID, stateType string, tags []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM doc_tags WHERE doc_id=? AND state_type=?`, docID, stateType); err != nil {
		return err
	}
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	for _, tag := range sorted {
		if _, err := tx.ExecContext(ctx, `INSERT INTO doc_tags(doc_id,state_type,tag) VALUES (?,?,?)`, docID, stateType, tag); err != nil {
			return err
		}
	}
	return nil
}

// --- events ---

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.DocID, &e.Seq, &e.TS, &e.ActorID, &e.Kind, &e.Description, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const eventColumns = `doc_id,seq,ts,actor_id,kind,description,payload_json`

// EventsFor returns events for a document ordered by seq ascending,
// starting after sinceSeq (0 for all).
func (r Repo) EventsFor(ctx context.Context, docID string, sinceSeq int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE doc_id=? AND seq>? ORDER BY seq`, docID, sinceSeq)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsUpTo returns events with seq <= uptoSeq (0 for all).
func (r Repo) EventsUpTo(ctx context.Context, docID string, uptoSeq int64) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE doc_id=?`
	args := []any{docID}
	if uptoSeq > 0 {
		query += ` AND seq<=?`
		args = append(args, uptoSeq)
	}
	query += ` ORDER BY seq`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventOfKind returns the most recent event of one kind for a
// document, or ErrNotFound.
func (r Repo) LatestEventOfKind(ctx context.Context, docID, kind string) (domain.Event, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE doc_id=? AND kind=? ORDER BY seq DESC LIMIT 1`, docID, kind)
	var e domain.Event
	err := row.Scan(&e.DocID, &e.Seq, &e.TS, &e.ActorID, &e.Kind, &e.Description, &e.Payload)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

// NextSeq reads the next sequence number for a document inside tx.
func (r Repo) NextSeq(ctx context.Context, tx *sql.Tx, docID string) (int64, error) {
	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE doc_id=?`, docID).Scan(&max); err != nil {
		return 0, err
	}
	return max.Int64 + 1, nil
}

// EventsAfter returns up to limit events across all documents strictly
// after the given rowid cursor, in append order. Used by the notifier.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, []int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT rowid,`+eventColumns+` FROM events WHERE rowid>? ORDER BY rowid LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var out []domain.Event
	var ids []int64
	for rows.Next() {
		var id int64
		var e domain.Event
		if err := rows.Scan(&id, &e.DocID, &e.Seq, &e.TS, &e.ActorID, &e.Kind, &e.Description, &e.Payload); err != nil {
			return nil, nil, err
		}
		out = append(out, e)
		ids = append(ids, id)
	}
	return out, ids, rows.Err()
}

// LatestEventRowID returns the current end of the global event log.
func (r Repo) LatestEventRowID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(rowid) FROM events`).Scan(&max); err != nil {
		return 0, err
	}
	return max.Int64, nil
}

// --- snapshots ---

func (r Repo) InsertSnapshot(ctx context.Context, tx *sql.Tx, s domain.Snapshot) error {
	statesJSON, err := json.Marshal(s.States)
	if err != nil {
		return fmt.Errorf("marshal snapshot states: %w", err)
	}
	tagsJSON, err := json.Marshal(s.Tags)
	if err != nil {
		return fmt.Errorf("marshal snapshot tags: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO snapshots(doc_id,event_seq,ts,rev,title,stream,ad,intended_level,states_json,tags_json) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.DocID, s.EventSeq, s.TS, s.Rev, s.Title, nullable(s.Stream), nullable(s.AD), nullable(s.IntendedLevel), string(statesJSON), string(tagsJSON))
	return err
}

func scanSnapshot(row *sql.Row) (domain.Snapshot, error) {
	var s domain.Snapshot
	var stream, ad, level sql.NullString
	var statesJSON, tagsJSON string
	err := row.Scan(&s.DocID, &s.EventSeq, &s.TS, &s.Rev, &s.Title, &stream, &ad, &level, &statesJSON, &tagsJSON)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Stream = stream.String
	s.AD = ad.String
	s.IntendedLevel = level.String
	if err := json.Unmarshal([]byte(statesJSON), &s.States); err != nil {
		return s, fmt.Errorf("snapshot states: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &s.Tags); err != nil {
		return s, fmt.Errorf("snapshot tags: %w", err)
	}
	return s, nil
}

const snapshotColumns = `doc_id,event_seq,ts,rev,title,stream,ad,intended_level,states_json,tags_json`

// SnapshotAt returns the snapshot taken for the event with this seq.
func (r Repo) SnapshotAt(ctx context.Context, docID string, eventSeq int64) (domain.Snapshot, error) {
	return scanSnapshot(r.DB.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE doc_id=? AND event_seq=?`, docID, eventSeq))
}

// LatestSnapshotBefore returns the newest snapshot with ts <= t.
// Timestamps use domain.TimeLayout, whose fixed fraction width keeps
// string order equal to time order.
func (r Repo) LatestSnapshotBefore(ctx context.Context, docID, ts string) (domain.Snapshot, error) {
	return scanSnapshot(r.DB.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE doc_id=? AND ts<=? ORDER BY event_seq DESC LIMIT 1`, docID, ts))
}

// --- ballots and positions ---

func (r Repo) InsertBallot(ctx context.Context, tx *sql.Tx, b domain.Ballot) error {
	open := 0
	if b.Open {
		open = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO ballots(id,doc_id,open,opened_at) VALUES (?,?,?,?)`,
		b.ID, b.DocID, open, b.OpenedAt)
	return err
}

func scanBallot(row *sql.Row) (domain.Ballot, error) {
	var b domain.Ballot
	var open int
	var closedAt, outcome sql.NullString
	err := row.Scan(&b.ID, &b.DocID, &open, &b.OpenedAt, &closedAt, &outcome)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.Open = open == 1
	b.ClosedAt = closedAt.String
	b.Outcome = outcome.String
	return b, nil
}

func (r Repo) GetBallot(ctx context.Context, id string) (domain.Ballot, error) {
	return scanBallot(r.DB.QueryRowContext(ctx, `SELECT id,doc_id,open,opened_at,closed_at,outcome FROM ballots WHERE id=?`, id))
}

// OpenBallotFor returns the currently open ballot for a document, or
// ErrNotFound.
func (r Repo) OpenBallotFor(ctx context.Context, docID string) (domain.Ballot, error) {
	return scanBallot(r.DB.QueryRowContext(ctx, `SELECT id,doc_id,open,opened_at,closed_at,outcome FROM ballots WHERE doc_id=? AND open=1`, docID))
}

func (r Repo) ListBallots(ctx context.Context, docID string) ([]domain.Ballot, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,doc_id,open,opened_at,closed_at,outcome FROM ballots WHERE doc_id=? ORDER BY opened_at`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Ballot
	for rows.Next() {
		var b domain.Ballot
		var open int
		var closedAt, outcome sql.NullString
		if err := rows.Scan(&b.ID, &b.DocID, &open, &b.OpenedAt, &closedAt, &outcome); err != nil {
			return nil, err
		}
		b.Open = open == 1
		b.ClosedAt = closedAt.String
		b.Outcome = outcome.String
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r Repo) CloseBallot(ctx context.Context, tx *sql.Tx, id, closedAt, outcome string) error {
	res, err := tx.ExecContext(ctx, `UPDATE ballots SET open=0, closed_at=?, outcome=? WHERE id=? AND open=1`, closedAt, outcome, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertPosition supersedes any prior position by the same reviewer on
// the same ballot.
func (r Repo) UpsertPosition(ctx context.Context, tx *sql.Tx, p domain.Position) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO positions(ballot_id,reviewer,value,updated_at) VALUES (?,?,?,?)
ON CONFLICT(ballot_id,reviewer) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		p.BallotID, p.Reviewer, p.Value, p.UpdatedAt)
	return err
}

func (r Repo) GetPosition(ctx context.Context, ballotID, reviewer string) (domain.Position, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT ballot_id,reviewer,value,updated_at FROM positions WHERE ballot_id=? AND reviewer=?`, ballotID, reviewer)
	var p domain.Position
	err := row.Scan(&p.BallotID, &p.Reviewer, &p.Value, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListPositions(ctx context.Context, ballotID string) ([]domain.Position, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT ballot_id,reviewer,value,updated_at FROM positions WHERE ballot_id=? ORDER BY reviewer`, ballotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.BallotID, &p.Reviewer, &p.Value, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DocumentsInState lists document ids whose current state for the given
// state type matches.
func (r Repo) DocumentsInState(ctx context.Context, docType, stateType, state string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT d.id FROM documents d JOIN doc_states s ON s.doc_id=d.id
WHERE d.type=? AND s.state_type=? AND s.state=? ORDER BY d.name`, docType, stateType, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
