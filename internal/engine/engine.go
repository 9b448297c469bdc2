package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"docline/internal/config"
	"docline/internal/domain"
	"docline/internal/events"
	"docline/internal/registry"
	"docline/internal/repo"
	"docline/internal/snapshot"
)

// Notifier is the outbound collaborator informed after last-call expiry
// and ballot decisions. Delivery failures are the notifier's problem;
// the engine never rolls back a committed transition over one.
type Notifier interface {
	Notify(ctx context.Context, docID string, e domain.Event)
}

// Engine exposes every mutating operation of the lifecycle and ballot
// tracker. All writes go through one transaction per operation: the
// projection update, the event append and the snapshot commit together
// or not at all.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Snapshots snapshot.Store
	Registry  *registry.Registry
	Config    *config.Config
	Notifier  Notifier
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	reg, err := registry.New(cfg)
	if err != nil {
		return Engine{}, err
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{Repo: r},
		Snapshots: snapshot.Store{Repo: r},
		Registry:  reg,
		Config:    cfg,
		Now:       time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

func (e Engine) getDocument(ctx context.Context, id string) (domain.Document, error) {
	d, err := e.Repo.GetDocument(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return d, fmt.Errorf("%s: %w", id, ErrUnknownDocument)
	}
	return d, err
}

// DocumentCreateOptions are parameters for creating a document.
type DocumentCreateOptions struct {
	ID            string
	Name          string
	Type          string
	Title         string
	Rev           string
	Stream        string
	Group         string
	AD            string
	IntendedLevel string
	ActorID       string
}

// CreateDocument seeds the document into the designated initial state
// of every state type applicable to its type, in one transaction with
// the doc.created event and the first snapshot.
func (e Engine) CreateDocument(ctx context.Context, opts DocumentCreateOptions) (domain.Document, error) {
	if opts.Name == "" {
		return domain.Document{}, errors.New("name is required")
	}
	if opts.Title == "" {
		return domain.Document{}, errors.New("title is required")
	}
	stateTypes, err := e.Registry.ApplicableStateTypes(opts.Type)
	if err != nil {
		return domain.Document{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	rev := opts.Rev
	if rev == "" {
		rev = "00"
	}
	states := make(map[string]string, len(stateTypes))
	for _, st := range stateTypes {
		initial, err := e.Registry.InitialState(st.Key)
		if err != nil {
			return domain.Document{}, err
		}
		states[st.Key] = initial.Key
	}
	now := domain.FormatTime(e.now())
	d := domain.Document{
		ID:            id,
		Name:          opts.Name,
		Type:          opts.Type,
		Rev:           rev,
		Title:         opts.Title,
		Stream:        opts.Stream,
		Group:         opts.Group,
		AD:            opts.AD,
		IntendedLevel: opts.IntendedLevel,
		States:        states,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertDocument(ctx, tx, d); err != nil {
		if strings.Contains(err.Error(), "documents.name") {
			return domain.Document{}, fmt.Errorf("%s: %w", opts.Name, ErrDuplicateName)
		}
		return domain.Document{}, fmt.Errorf("insert document: %w", err)
	}
	for st, s := range states {
		if err := e.Repo.SetDocumentState(ctx, tx, d.ID, st, s); err != nil {
			return domain.Document{}, err
		}
	}
	evt, err := e.writer().Append(ctx, tx, d.ID, opts.ActorID, "Document created", domain.DocCreatedPayload{
		Name:          d.Name,
		Type:          d.Type,
		Rev:           d.Rev,
		Title:         d.Title,
		Stream:        d.Stream,
		Group:         d.Group,
		AD:            d.AD,
		IntendedLevel: d.IntendedLevel,
		States:        states,
	})
	if err != nil {
		return domain.Document{}, err
	}
	if _, err := e.Snapshots.Capture(ctx, tx, evt, d); err != nil {
		return domain.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, err
	}
	return d, nil
}

// StateChangeOptions are parameters for moving a document within one
// state type.
type StateChangeOptions struct {
	DocID     string
	StateType string
	State     string
	// ReplaceTags, when non-nil, atomically replaces the tag set of
	// the state type along with the transition.
	ReplaceTags *[]string
	ActorID     string
	// Force bypasses the next-state graph, not the legal-value check.
	Force bool
}

// SetState moves a document to a new state in one of its state types,
// enforcing the next-state graph (a group override fully replaces the
// default graph). Setting the current state again is an idempotent
// no-op that appends nothing.
func (e Engine) SetState(ctx context.Context, opts StateChangeOptions) (domain.Document, error) {
	d, err := e.getDocument(ctx, opts.DocID)
	if err != nil {
		return d, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	d, _, err = e.applyState(ctx, tx, d, opts)
	if err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// applyState performs the transition inside the caller's transaction.
// The returned event has Seq zero when the call was a no-op.
func (e Engine) applyState(ctx context.Context, tx *sql.Tx, d domain.Document, opts StateChangeOptions) (domain.Document, domain.Event, error) {
	applicable, err := e.Registry.ApplicableStateTypes(d.Type)
	if err != nil {
		return d, domain.Event{}, err
	}
	found := false
	var label string
	for _, st := range applicable {
		if st.Key == opts.StateType {
			found = true
			label = st.Label
		}
	}
	if !found {
		return d, domain.Event{}, &registry.ConfigurationError{What: fmt.Sprintf("state type %q not applicable to document type %q", opts.StateType, d.Type)}
	}
	target, err := e.Registry.State(opts.StateType, opts.State)
	if err != nil {
		return d, domain.Event{}, err
	}
	if !target.Used {
		return d, domain.Event{}, fmt.Errorf("%w: state %s/%s is retired", ErrInvalidTransition, opts.StateType, opts.State)
	}
	prev := d.States[opts.StateType]
	prevTags := d.Tags[opts.StateType]
	newTags := prevTags
	if opts.ReplaceTags != nil {
		for _, tag := range *opts.ReplaceTags {
			ok, err := e.Registry.LegalTag(opts.StateType, tag)
			if err != nil {
				return d, domain.Event{}, err
			}
			if !ok {
				return d, domain.Event{}, fmt.Errorf("%w: unknown tag %q for state type %s", ErrInvalidPayload, tag, opts.StateType)
			}
		}
		newTags = *opts.ReplaceTags
	}
	if prev == target.Key && equalTagSets(prevTags, newTags) {
		return d, domain.Event{}, nil
	}
	if prev != target.Key && !opts.Force {
		next, err := e.Registry.NextStates(opts.StateType, prev, d.Group)
		if err != nil {
			return d, domain.Event{}, err
		}
		legal := false
		for _, n := range next {
			if n == target.Key {
				legal = true
				break
			}
		}
		if !legal {
			return d, domain.Event{}, fmt.Errorf("%w: %s -> %s in %s", ErrInvalidTransition, prev, target.Key, opts.StateType)
		}
	}
	if err := e.Repo.SetDocumentState(ctx, tx, d.ID, opts.StateType, target.Key); err != nil {
		return d, domain.Event{}, err
	}
	if err := e.Repo.ReplaceDocumentTags(ctx, tx, d.ID, opts.StateType, newTags); err != nil {
		return d, domain.Event{}, err
	}
	d.UpdatedAt = domain.FormatTime(e.now())
	if err := e.Repo.UpdateDocumentScalars(ctx, tx, d); err != nil {
		return d, domain.Event{}, err
	}
	desc := fmt.Sprintf("%s changed to %s", label, target.Name)
	if prev != "" {
		if prevState, err := e.Registry.State(opts.StateType, prev); err == nil {
			desc = fmt.Sprintf("%s changed to %s from %s", label, target.Name, prevState.Name)
		}
	}
	evt, err := e.writer().Append(ctx, tx, d.ID, opts.ActorID, desc, domain.StateChangedPayload{
		StateType: opts.StateType,
		PrevState: prev,
		NewState:  target.Key,
		PrevTags:  prevTags,
		NewTags:   newTags,
	})
	if err != nil {
		return d, domain.Event{}, err
	}
	if d.States == nil {
		d.States = map[string]string{}
	}
	d.States[opts.StateType] = target.Key
	setProjectionTags(&d, opts.StateType, newTags)
	if _, err := e.Snapshots.Capture(ctx, tx, evt, d); err != nil {
		return d, domain.Event{}, err
	}
	return d, evt, nil
}

// SetTags adds and removes orthogonal annotations within one state
// type. Unchanged sets append nothing.
func (e Engine) SetTags(ctx context.Context, docID, stateType string, add, remove []string, actorID string) (domain.Document, error) {
	d, err := e.getDocument(ctx, docID)
	if err != nil {
		return d, err
	}
	for _, tag := range add {
		ok, err := e.Registry.LegalTag(stateType, tag)
		if err != nil {
			return d, err
		}
		if !ok {
			return d, fmt.Errorf("%w: unknown tag %q for state type %s", ErrInvalidPayload, tag, stateType)
		}
	}
	prevTags := d.Tags[stateType]
	set := map[string]bool{}
	for _, t := range prevTags {
		set[t] = true
	}
	for _, t := range add {
		set[t] = true
	}
	for _, t := range remove {
		delete(set, t)
	}
	newTags := make([]string, 0, len(set))
	for t := range set {
		newTags = append(newTags, t)
	}
	sort.Strings(newTags)
	if equalTagSets(prevTags, newTags) {
		return d, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplaceDocumentTags(ctx, tx, d.ID, stateType, newTags); err != nil {
		return d, err
	}
	d.UpdatedAt = domain.FormatTime(e.now())
	if err := e.Repo.UpdateDocumentScalars(ctx, tx, d); err != nil {
		return d, err
	}
	evt, err := e.writer().Append(ctx, tx, d.ID, actorID, tagChangeDescription(prevTags, newTags), domain.TagsChangedPayload{
		StateType: stateType,
		PrevTags:  prevTags,
		NewTags:   newTags,
	})
	if err != nil {
		return d, err
	}
	setProjectionTags(&d, stateType, newTags)
	if _, err := e.Snapshots.Capture(ctx, tx, evt, d); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// NewRevision records a new revision label for the document.
func (e Engine) NewRevision(ctx context.Context, docID, rev, actorID string) (domain.Document, error) {
	if rev == "" {
		return domain.Document{}, errors.New("rev is required")
	}
	d, err := e.getDocument(ctx, docID)
	if err != nil {
		return d, err
	}
	if d.Rev == rev {
		return d, nil
	}
	prev := d.Rev
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	d.Rev = rev
	d.UpdatedAt = domain.FormatTime(e.now())
	if err := e.Repo.UpdateDocumentScalars(ctx, tx, d); err != nil {
		return d, err
	}
	evt, err := e.writer().Append(ctx, tx, d.ID, actorID, fmt.Sprintf("New revision available: %s-%s", d.Name, rev), domain.RevChangedPayload{
		PrevRev: prev,
		NewRev:  rev,
	})
	if err != nil {
		return d, err
	}
	if _, err := e.Snapshots.Capture(ctx, tx, evt, d); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// UpdateMetadata changes one mutable scalar field (title, ad,
// intended_level, stream).
func (e Engine) UpdateMetadata(ctx context.Context, docID, field, value, actorID string) (domain.Document, error) {
	d, err := e.getDocument(ctx, docID)
	if err != nil {
		return d, err
	}
	var prev string
	switch field {
	case domain.MetaTitle:
		prev = d.Title
	case domain.MetaAD:
		prev = d.AD
	case domain.MetaIntendedLevel:
		prev = d.IntendedLevel
	case domain.MetaStream:
		prev = d.Stream
	default:
		return d, fmt.Errorf("%w: unknown metadata field %q", ErrInvalidPayload, field)
	}
	if prev == value {
		return d, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	switch field {
	case domain.MetaTitle:
		d.Title = value
	case domain.MetaAD:
		d.AD = value
	case domain.MetaIntendedLevel:
		d.IntendedLevel = value
	case domain.MetaStream:
		d.Stream = value
	}
	d.UpdatedAt = domain.FormatTime(e.now())
	if err := e.Repo.UpdateDocumentScalars(ctx, tx, d); err != nil {
		return d, err
	}
	evt, err := e.writer().Append(ctx, tx, d.ID, actorID, fmt.Sprintf("%s changed to %q", field, value), domain.MetaChangedPayload{
		Field: field,
		Prev:  prev,
		New:   value,
	})
	if err != nil {
		return d, err
	}
	if _, err := e.Snapshots.Capture(ctx, tx, evt, d); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// AddComment appends a free-text history entry. Comments do not touch
// the projection, so no snapshot is taken.
func (e Engine) AddComment(ctx context.Context, docID, text, actorID string) (domain.Event, error) {
	d, err := e.getDocument(ctx, docID)
	if err != nil {
		return domain.Event{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()
	evt, err := e.writer().Append(ctx, tx, d.ID, actorID, text, domain.CommentPayload{Text: text})
	if err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	return evt, nil
}

// Document returns the live projection by id.
func (e Engine) Document(ctx context.Context, id string) (domain.Document, error) {
	return e.getDocument(ctx, id)
}

// DocumentByName resolves a document by its unique name.
func (e Engine) DocumentByName(ctx context.Context, name string) (domain.Document, error) {
	d, err := e.Repo.GetDocumentByName(ctx, name)
	if errors.Is(err, repo.ErrNotFound) {
		return d, fmt.Errorf("%s: %w", name, ErrUnknownDocument)
	}
	return d, err
}

// EventsFor returns the ordered history of a document starting after
// sinceSeq.
func (e Engine) EventsFor(ctx context.Context, docID string, sinceSeq int64) ([]domain.Event, error) {
	if _, err := e.getDocument(ctx, docID); err != nil {
		return nil, err
	}
	return e.Repo.EventsFor(ctx, docID, sinceSeq)
}

// Replay rebuilds the document projection from the event log alone,
// ignoring the cached row.
func (e Engine) Replay(ctx context.Context, docID string, uptoSeq int64) (domain.Document, error) {
	d, err := e.writer().Replay(ctx, docID, uptoSeq)
	if errors.Is(err, repo.ErrNotFound) {
		return d, fmt.Errorf("%s: %w", docID, ErrUnknownDocument)
	}
	return d, err
}

// StateAsOf returns the document's states at a past instant.
func (e Engine) StateAsOf(ctx context.Context, docID string, t time.Time) (map[string]string, error) {
	states, err := e.Snapshots.StateAsOf(ctx, docID, t)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", docID, ErrUnknownDocument)
	}
	return states, err
}

// ProjectionAsOf returns the full document projection at a past instant.
func (e Engine) ProjectionAsOf(ctx context.Context, docID string, t time.Time) (domain.Document, error) {
	d, err := e.Snapshots.ProjectionAsOf(ctx, docID, t)
	if errors.Is(err, repo.ErrNotFound) {
		return d, fmt.Errorf("%s: %w", docID, ErrUnknownDocument)
	}
	return d, err
}

func setProjectionTags(d *domain.Document, stateType string, tags []string) {
	if len(tags) == 0 {
		if d.Tags != nil {
			delete(d.Tags, stateType)
			if len(d.Tags) == 0 {
				d.Tags = nil
			}
		}
		return
	}
	if d.Tags == nil {
		d.Tags = map[string][]string{}
	}
	d.Tags[stateType] = append([]string(nil), tags...)
}

func equalTagSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func tagChangeDescription(prev, next []string) string {
	prevSet := map[string]bool{}
	for _, t := range prev {
		prevSet[t] = true
	}
	nextSet := map[string]bool{}
	for _, t := range next {
		nextSet[t] = true
	}
	var added, removed []string
	for _, t := range next {
		if !prevSet[t] {
			added = append(added, t)
		}
	}
	for _, t := range prev {
		if !nextSet[t] {
			removed = append(removed, t)
		}
	}
	switch {
	case len(added) > 0 && len(removed) > 0:
		return fmt.Sprintf("Tags %v set, %v cleared", added, removed)
	case len(added) > 0:
		return fmt.Sprintf("Tags %v set", added)
	case len(removed) > 0:
		return fmt.Sprintf("Tags %v cleared", removed)
	default:
		return "Tags unchanged"
	}
}
