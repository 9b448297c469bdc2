package engine_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"docline/internal/config"
	"docline/internal/db"
	"docline/internal/domain"
	"docline/internal/engine"
	"docline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *fakeClock
}

// fakeClock hands out strictly increasing instants so event
// timestamps stay ordered within a test.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.New(conn, config.Default())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng.Now = clock.Now
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: clock}
}

func (env testEnv) createDraft(t *testing.T, name string) domain.Document {
	t.Helper()
	d, err := env.Engine.CreateDocument(env.Ctx, engine.DocumentCreateOptions{
		Name:    name,
		Type:    "draft",
		Title:   "A Test Protocol",
		Stream:  "ietf",
		Group:   "testwg",
		ActorID: "secretariat",
	})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	return d
}

func (env testEnv) setState(t *testing.T, docID, stateType, state string) domain.Document {
	t.Helper()
	d, err := env.Engine.SetState(env.Ctx, engine.StateChangeOptions{
		DocID:     docID,
		StateType: stateType,
		State:     state,
		ActorID:   "ad",
	})
	if err != nil {
		t.Fatalf("set state %s/%s: %v", stateType, state, err)
	}
	return d
}

func TestCreateDocumentSeedsInitialStates(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t, "draft-ietf-test-proto")

	if d.Rev != "00" {
		t.Fatalf("rev = %q, want 00", d.Rev)
	}
	want := map[string]string{
		"draft":           "active",
		"draft-iesg":      "idexists",
		"draft-rfceditor": "missref",
	}
	if !reflect.DeepEqual(d.States, want) {
		t.Fatalf("states = %v, want %v", d.States, want)
	}

	events, err := env.Engine.EventsFor(env.Ctx, d.ID, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Kind != domain.EventDocCreated {
		t.Fatalf("expected single %s event, got %+v", domain.EventDocCreated, events)
	}
	if events[0].Seq != 1 {
		t.Fatalf("first event seq = %d, want 1", events[0].Seq)
	}
}

func TestStatchgHasOwnStateSpace(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDocument(env.Ctx, engine.DocumentCreateOptions{
		Name:    "status-change-foo-to-historic",
		Type:    "statchg",
		Title:   "Move Foo to Historic",
		ActorID: "secretariat",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.States["statchg"] != "needshep" {
		t.Fatalf("statchg state = %q, want needshep", d.States["statchg"])
	}
	if _, ok := d.States["draft-iesg"]; ok {
		t.Fatal("draft-iesg must not apply to statchg documents")
	}
}

func TestSetStateFollowsGraph(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t, "draft-ietf-test-graph")

	d = env.setState(t, d.ID, "draft-iesg", "ad-eval")
	if d.States["draft-iesg"] != "ad-eval" {
		t.Fatalf("state = %q, want ad-eval", d.States["draft-iesg"])
	}

	_, err := env.Engine.SetState(env.Ctx, engine.StateChangeOptions{
		DocID:     d.ID,
		StateType: "draft-iesg",
		State:     "rfcqueue",
		ActorID:   "ad",
	})
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestSetStateForceBypassesGraph(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t, "draft-ietf-test-force")

	d, err := env.Engine.SetState(env.Ctx, engine.StateChangeOptions{
		DocID:     d.ID,
		StateType: "draft-iesg",
		State:     "rfcqueue",
		ActorID:   "secretariat",
		Force:     true,
	})
	if err != nil {
		t.Fatalf("forced set state: %v", err)
	}
	if d.States["draft-iesg"] != "rfcqueue" {
		t.Fatalf("state = %q, want rfcqueue", d.States["draft-iesg"])
	}
}

func TestSetStateNoOpAppendsNothing(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t, "draft-ietf-test-noop")
	d = env.setState(t, d.ID, "draft-iesg", "ad-eval")

	before, err := env.Engine.EventsFor(env.Ctx, d.ID, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}

	// same state, same tags: nothing to record
	d = env.setState(t, d.ID, "draft-iesg", "ad-eval")

	after, err := env.Engine.EventsFor(env.Ctx, d.ID, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("no-op appended events: %d -> %d", len(before), len(after))
	}
}

func TestSetStateUnknownStateType(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t, "draft-ietf-test-badtype")
	_, err := env.Engine.SetState(env.Ctx, engine.StateChangeOptions{
		DocID:     d.ID,
		StateType: "statchg",
		State:     "needshep",
		ActorID:   "ad",
	})
	if err == nil {
		t.Fatal("expected error for non-applicable state type")
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	env := newTestEnv(t)
	env.createDraft(t, "draft-ietf-test-dup")

	_, err := env.Engine.CreateDocument(env.Ctx, engine.DocumentCreateOptions{
		Name:    "draft-ietf-test-dup",
		Type:    "draft",
		Title:   "Same Name Again",
		ActorID: "secretariat",
	})
	if !errors.Is(err, engine.ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	if errors.Is(err, engine.ErrConcurrentModification) {
		t.Fatalf("duplicate name misreported as a lost race: %v", err)
	}
}

func TestConcurrentAppendRejected(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t, "draft-ietf-test-race")

	// A trigger stands in for a rival writer that claims the sequence
	// number between the MAX(seq) read and the insert; the primary key
	// turns the lost race into a rejected append.
	_, err := env.Engine.DB.Exec(`CREATE TRIGGER rival_append BEFORE INSERT ON events BEGIN
		INSERT INTO events(doc_id,seq,ts,actor_id,kind,description,payload_json)
		VALUES (NEW.doc_id, NEW.seq, NEW.ts, 'rival', NEW.kind, '', '{}');
	END`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	_, err = env.Engine.AddComment(env.Ctx, d.ID, "second writer", "ad")
	if !errors.Is(err, engine.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}

	if _, err := env.Engine.DB.Exec(`DROP TRIGGER rival_append`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}

	// the rejected append rolled back whole; a retry lands gaplessly
	events, err := env.Engine.EventsFor(env.Ctx, d.ID, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("rejected append left %d events, want 1", len(events))
	}
	evt, err := env.Engine.AddComment(env.Ctx, d.ID, "retried", "ad")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if evt.Seq != 2 {
		t.Fatalf("retry seq = %d, want 2", evt.Seq)
	}
}

func TestSeqMonotonicAndGapless(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t, "draft-ietf-test-seq")

	env.setState(t, d.ID, "draft-iesg", "ad-eval")
	if _, err := env.Engine.NewRevision(env.Ctx, d.ID, "01", "author"); err != nil {
		t.Fatalf("new revision: %v", err)
	}
	if _, err := env.Engine.AddComment(env.Ctx, d.ID, "looks fine", "ad"); err != nil {
		t.Fatalf("comment: %v", err)
	}

	events, err := env.Engine.EventsFor(env.Ctx, d.ID, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	for i, evt := range events {
		if evt.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d, want %d", i, evt.Seq, i+1)
		}
	}
}

func TestReplayMatchesProjection(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t, "draft-ietf-test-replay")

	env.setState(t, d.ID, "draft-iesg", "ad-eval")
	if _, err := env.Engine.SetTags(env.Ctx, d.ID, "draft-iesg", []string{"need-rev"}, nil, "ad"); err != nil {
		t.Fatalf("set tags: %v", err)
	}
	if _, err := env.Engine.NewRevision(env.Ctx, d.ID, "01", "author"); err != nil {
		t.Fatalf("new revision: %v", err)
	}
	if _, err := env.Engine.UpdateMetadata(env.Ctx, d.ID, domain.MetaTitle, "A Better Title", "ad"); err != nil {
		t.Fatalf("metadata: %v", err)
	}

	live, err := env.Engine.Document(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	replayed, err := env.Engine.Replay(env.Ctx, d.ID, 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !reflect.DeepEqual(live.States, replayed.States) {
		t.Fatalf("states diverge: live=%v replayed=%v", live.States, replayed.States)
	}
	if !reflect.DeepEqual(live.Tags, replayed.Tags) {
		t.Fatalf("tags diverge: live=%v replayed=%v", live.Tags, replayed.Tags)
	}
	if live.Rev != replayed.Rev || live.Title != replayed.Title {
		t.Fatalf("scalars diverge: live=%v replayed=%v", live, replayed)
	}
}

func TestStateAsOf(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t, "draft-ietf-test-asof")

	env.setState(t, d.ID, "draft-iesg", "ad-eval")
	mid := env.Clock.Now()
	env.setState(t, d.ID, "draft-iesg", "lc-req")

	states, err := env.Engine.StateAsOf(env.Ctx, d.ID, mid)
	if err != nil {
		t.Fatalf("state as of: %v", err)
	}
	if states["draft-iesg"] != "ad-eval" {
		t.Fatalf("as-of state = %q, want ad-eval", states["draft-iesg"])
	}

	now, err := env.Engine.StateAsOf(env.Ctx, d.ID, env.Clock.Now())
	if err != nil {
		t.Fatalf("state as of now: %v", err)
	}
	if now["draft-iesg"] != "lc-req" {
		t.Fatalf("current as-of state = %q, want lc-req", now["draft-iesg"])
	}
}

func TestStateAsOfSameSecond(t *testing.T) {
	env := newTestEnv(t)
	// A clock stepping in fractions of a second puts consecutive events
	// inside the same second, where only the sub-second digits of the
	// stored timestamps keep them apart.
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var step time.Duration
	env.Engine.Now = func() time.Time {
		step += 100 * time.Millisecond
		return base.Add(step)
	}
	d := env.createDraft(t, "draft-ietf-test-subsecond")
	env.setState(t, d.ID, "draft-iesg", "ad-eval")
	env.setState(t, d.ID, "draft-iesg", "lc-req")

	events, err := env.Engine.EventsFor(env.Ctx, d.ID, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var adEvalTS string
	for _, evt := range events {
		if evt.Kind == domain.EventStateChanged {
			adEvalTS = evt.TS
			break
		}
	}
	if adEvalTS == "" {
		t.Fatal("no state.changed event found")
	}
	at, err := time.Parse(time.RFC3339, adEvalTS)
	if err != nil {
		t.Fatalf("parse ts %q: %v", adEvalTS, err)
	}

	states, err := env.Engine.StateAsOf(env.Ctx, d.ID, at)
	if err != nil {
		t.Fatalf("state as of: %v", err)
	}
	if states["draft-iesg"] != "ad-eval" {
		t.Fatalf("as-of state = %q, want ad-eval", states["draft-iesg"])
	}
}

func TestTagsSetSemantics(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t, "draft-ietf-test-tags")

	d, err := env.Engine.SetTags(env.Ctx, d.ID, "draft-iesg", []string{"point", "ad-f-up"}, nil, "ad")
	if err != nil {
		t.Fatalf("set tags: %v", err)
	}
	// adding an existing tag is a no-op for membership
	d, err = env.Engine.SetTags(env.Ctx, d.ID, "draft-iesg", []string{"point"}, []string{"ad-f-up"}, "ad")
	if err != nil {
		t.Fatalf("set tags: %v", err)
	}
	got := d.Tags["draft-iesg"]
	if len(got) != 1 || got[0] != "point" {
		t.Fatalf("tags = %v, want [point]", got)
	}
}

func TestUpdateMetadataUnknownField(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t, "draft-ietf-test-meta")
	_, err := env.Engine.UpdateMetadata(env.Ctx, d.ID, "pages", "12", "ad")
	if !errors.Is(err, engine.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestUnknownDocument(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Document(env.Ctx, "nope")
	if !errors.Is(err, engine.ErrUnknownDocument) {
		t.Fatalf("expected ErrUnknownDocument, got %v", err)
	}
}

func TestBallotSingleOpenPerDocument(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t, "draft-ietf-test-ballot")

	b, err := env.Engine.OpenBallot(env.Ctx, d.ID, "ad")
	if err != nil {
		t.Fatalf("open ballot: %v", err)
	}
	if !b.Open {
		t.Fatal("ballot should be open")
	}

	if _, err := env.Engine.OpenBallot(env.Ctx, d.ID, "ad"); !errors.Is(err, engine.ErrBallotAlreadyOpen) {
		t.Fatalf("expected ErrBallotAlreadyOpen, got %v", err)
	}

	// closing frees the slot for a new round
	if _, err := env.Engine.CloseBallot(env.Ctx, b.ID, "secretariat"); err != nil {
		t.Fatalf("close ballot: %v", err)
	}
	if _, err := env.Engine.OpenBallot(env.Ctx, d.ID, "ad"); err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
}

func TestPositionSupersession(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t, "draft-ietf-test-positions")
	b, err := env.Engine.OpenBallot(env.Ctx, d.ID, "ad")
	if err != nil {
		t.Fatalf("open ballot: %v", err)
	}

	if _, err := env.Engine.RecordPosition(env.Ctx, b.ID, "ana", domain.PositionDiscuss, "ana"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := env.Engine.RecordPosition(env.Ctx, b.ID, "ana", domain.PositionYes, "ana"); err != nil {
		t.Fatalf("record: %v", err)
	}

	positions, err := env.Engine.Positions(env.Ctx, b.ID)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 current position, got %d", len(positions))
	}
	if positions[0].Value != domain.PositionYes {
		t.Fatalf("current value = %q, want yes", positions[0].Value)
	}

	// both votes survive in the history
	events, err := env.Engine.EventsFor(env.Ctx, d.ID, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var votes int
	for _, evt := range events {
		if evt.Kind == domain.EventBallotPosition {
			votes++
		}
	}
	if votes != 2 {
		t.Fatalf("expected 2 position events, got %d", votes)
	}
}

func TestRecordPositionValidation(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t, "draft-ietf-test-badvote")
	b, err := env.Engine.OpenBallot(env.Ctx, d.ID, "ad")
	if err != nil {
		t.Fatalf("open ballot: %v", err)
	}
	if _, err := env.Engine.RecordPosition(env.Ctx, b.ID, "ana", "maybe", "ana"); !errors.Is(err, engine.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if _, err := env.Engine.RecordPosition(env.Ctx, b.ID, "", domain.PositionYes, "ana"); !errors.Is(err, engine.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for empty reviewer, got %v", err)
	}
}

func TestClosedBallotRejectsPositions(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t, "draft-ietf-test-closed")
	b, err := env.Engine.OpenBallot(env.Ctx, d.ID, "ad")
	if err != nil {
		t.Fatalf("open ballot: %v", err)
	}
	if _, err := env.Engine.CloseBallot(env.Ctx, b.ID, "secretariat"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := env.Engine.RecordPosition(env.Ctx, b.ID, "ana", domain.PositionYes, "ana"); !errors.Is(err, engine.ErrBallotClosed) {
		t.Fatalf("expected ErrBallotClosed, got %v", err)
	}
}

func TestComputeOutcome(t *testing.T) {
	pos := func(reviewer, value string) domain.Position {
		return domain.Position{Reviewer: reviewer, Value: value}
	}
	cases := []struct {
		name      string
		positions []domain.Position
		quorum    int
		want      string
	}{
		{"empty", nil, 1, domain.OutcomePending},
		{"single yes meets quorum one", []domain.Position{pos("a", "yes")}, 1, domain.OutcomeApproved},
		{"noobj counts toward approval", []domain.Position{pos("a", "noobj"), pos("b", "noobj")}, 2, domain.OutcomeApproved},
		{"below quorum", []domain.Position{pos("a", "yes")}, 2, domain.OutcomePending},
		{"discuss blocks despite quorum", []domain.Position{pos("a", "yes"), pos("b", "yes"), pos("c", "discuss")}, 2, domain.OutcomeBlocked},
		{"block blocks", []domain.Position{pos("a", "yes"), pos("b", "block")}, 1, domain.OutcomeBlocked},
		{"abstain neither approves nor blocks", []domain.Position{pos("a", "abstain"), pos("b", "yes")}, 2, domain.OutcomePending},
		{"recuse ignored", []domain.Position{pos("a", "recuse"), pos("b", "yes")}, 1, domain.OutcomeApproved},
		{"zero quorum treated as one", []domain.Position{pos("a", "yes")}, 0, domain.OutcomeApproved},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := engine.ComputeOutcome(tc.positions, tc.quorum); got != tc.want {
				t.Fatalf("outcome = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCloseBallotFreezesOutcome(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t, "draft-ietf-test-freeze")
	b, err := env.Engine.OpenBallot(env.Ctx, d.ID, "ad")
	if err != nil {
		t.Fatalf("open ballot: %v", err)
	}
	if _, err := env.Engine.RecordPosition(env.Ctx, b.ID, "ana", domain.PositionYes, "ana"); err != nil {
		t.Fatalf("record: %v", err)
	}
	closed, err := env.Engine.CloseBallot(env.Ctx, b.ID, "secretariat")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Outcome != domain.OutcomeApproved {
		t.Fatalf("recorded outcome = %q, want approved", closed.Outcome)
	}
	outcome, err := env.Engine.Outcome(env.Ctx, b.ID)
	if err != nil {
		t.Fatalf("outcome: %v", err)
	}
	if outcome != domain.OutcomeApproved {
		t.Fatalf("outcome after close = %q, want approved", outcome)
	}
}

func TestBallotWriteupRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t, "draft-ietf-test-writeup")

	text, err := env.Engine.BallotWriteup(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("writeup: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty writeup, got %q", text)
	}

	if err := env.Engine.SaveBallotWriteup(env.Ctx, d.ID, "Technical summary goes here.", "ad"); err != nil {
		t.Fatalf("save writeup: %v", err)
	}
	text, err = env.Engine.BallotWriteup(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("writeup: %v", err)
	}
	if text != "Technical summary goes here." {
		t.Fatalf("writeup = %q", text)
	}
}

func TestTelechatScheduling(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t, "draft-ietf-test-telechat")

	tc, err := env.Engine.SetTelechat(env.Ctx, d.ID, "2024-03-01", nil, "secretariat")
	if err != nil {
		t.Fatalf("set telechat: %v", err)
	}
	if tc.Date != "2024-03-01" || tc.Returning {
		t.Fatalf("telechat = %+v, want date=2024-03-01 returning=false", tc)
	}

	// idempotent: scheduling the same date changes nothing
	tc, err = env.Engine.SetTelechat(env.Ctx, d.ID, "2024-03-01", nil, "secretariat")
	if err != nil {
		t.Fatalf("set telechat: %v", err)
	}
	events, _ := env.Engine.EventsFor(env.Ctx, d.ID, 0)
	var scheduled int
	for _, evt := range events {
		if evt.Kind == domain.EventTelechatScheduled {
			scheduled++
		}
	}
	if scheduled != 1 {
		t.Fatalf("expected 1 scheduling event, got %d", scheduled)
	}

	// moving a scheduled document marks it as returning
	tc, err = env.Engine.SetTelechat(env.Ctx, d.ID, "2024-03-15", nil, "secretariat")
	if err != nil {
		t.Fatalf("move telechat: %v", err)
	}
	if tc.Date != "2024-03-15" || !tc.Returning {
		t.Fatalf("telechat = %+v, want date=2024-03-15 returning=true", tc)
	}

	// an explicit flag wins over the auto-set
	no := false
	tc, err = env.Engine.SetTelechat(env.Ctx, d.ID, "2024-03-29", &no, "secretariat")
	if err != nil {
		t.Fatalf("move telechat: %v", err)
	}
	if tc.Returning {
		t.Fatal("explicit returning=false should override the auto-set")
	}

	// removal inherits the current flag rather than resetting it
	tc, err = env.Engine.SetTelechat(env.Ctx, d.ID, "", nil, "secretariat")
	if err != nil {
		t.Fatalf("remove telechat: %v", err)
	}
	if tc.Date != "" || tc.Returning {
		t.Fatalf("telechat after removal = %+v", tc)
	}
}

func TestTelechatRemovalKeepsReturningFlag(t *testing.T) {
	env := newTestEnv(t)

	// an explicit flag on removal is used as given
	d := env.createDraft(t, "draft-ietf-test-tc-explicit")
	if _, err := env.Engine.SetTelechat(env.Ctx, d.ID, "2024-03-01", nil, "secretariat"); err != nil {
		t.Fatalf("set telechat: %v", err)
	}
	yes := true
	tc, err := env.Engine.SetTelechat(env.Ctx, d.ID, "", &yes, "secretariat")
	if err != nil {
		t.Fatalf("remove telechat: %v", err)
	}
	if tc.Date != "" || !tc.Returning {
		t.Fatalf("telechat = %+v, want date cleared with returning=true", tc)
	}

	// without an explicit flag, removal inherits the auto-set flag
	d = env.createDraft(t, "draft-ietf-test-tc-inherit")
	if _, err := env.Engine.SetTelechat(env.Ctx, d.ID, "2024-03-01", nil, "secretariat"); err != nil {
		t.Fatalf("set telechat: %v", err)
	}
	tc, err = env.Engine.SetTelechat(env.Ctx, d.ID, "2024-03-15", nil, "secretariat")
	if err != nil {
		t.Fatalf("move telechat: %v", err)
	}
	if !tc.Returning {
		t.Fatal("move should auto-set returning")
	}
	tc, err = env.Engine.SetTelechat(env.Ctx, d.ID, "", nil, "secretariat")
	if err != nil {
		t.Fatalf("remove telechat: %v", err)
	}
	if tc.Date != "" || !tc.Returning {
		t.Fatalf("telechat = %+v, want date cleared with returning inherited true", tc)
	}
}

func (env testEnv) toLastCall(t *testing.T, name string, expires time.Time) domain.Document {
	t.Helper()
	d := env.createDraft(t, name)
	env.setState(t, d.ID, "draft-iesg", "ad-eval")
	env.setState(t, d.ID, "draft-iesg", "lc-req")
	d, err := env.Engine.RequestLastCall(env.Ctx, d.ID, expires, "secretariat")
	if err != nil {
		t.Fatalf("request last call: %v", err)
	}
	if d.States["draft-iesg"] != "lc" {
		t.Fatalf("state = %q, want lc", d.States["draft-iesg"])
	}
	return d
}

func TestLastCallExpiryDefaultsToWriteupWait(t *testing.T) {
	env := newTestEnv(t)
	expires := env.Clock.t.Add(14 * 24 * time.Hour)
	d := env.toLastCall(t, "draft-ietf-test-lc", expires)

	env.Clock.Advance(15 * 24 * time.Hour)
	if err := env.Engine.ExpireLastCall(env.Ctx, d.ID, engine.SystemActor); err != nil {
		t.Fatalf("expire: %v", err)
	}
	d, err := env.Engine.Document(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	if d.States["draft-iesg"] != "writeupw" {
		t.Fatalf("state = %q, want writeupw", d.States["draft-iesg"])
	}
}

func TestLastCallExpiryWithEditedWriteup(t *testing.T) {
	env := newTestEnv(t)
	expires := env.Clock.t.Add(14 * 24 * time.Hour)
	d := env.toLastCall(t, "draft-ietf-test-lc-edited", expires)

	if err := env.Engine.SaveBallotWriteup(env.Ctx, d.ID, "The working group reached consensus.", "ad"); err != nil {
		t.Fatalf("save writeup: %v", err)
	}

	env.Clock.Advance(15 * 24 * time.Hour)
	if err := env.Engine.ExpireLastCall(env.Ctx, d.ID, engine.SystemActor); err != nil {
		t.Fatalf("expire: %v", err)
	}
	d, err := env.Engine.Document(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	if d.States["draft-iesg"] != "goaheadw" {
		t.Fatalf("state = %q, want goaheadw", d.States["draft-iesg"])
	}
}

func TestLastCallExpiryBoilerplateWriteupWaits(t *testing.T) {
	env := newTestEnv(t)
	expires := env.Clock.t.Add(14 * 24 * time.Hour)
	d := env.toLastCall(t, "draft-ietf-test-lc-boiler", expires)

	text := "Technical Summary\n\n" + engine.WriteupBoilerplate + "\n"
	if err := env.Engine.SaveBallotWriteup(env.Ctx, d.ID, text, "ad"); err != nil {
		t.Fatalf("save writeup: %v", err)
	}

	env.Clock.Advance(15 * 24 * time.Hour)
	if err := env.Engine.ExpireLastCall(env.Ctx, d.ID, engine.SystemActor); err != nil {
		t.Fatalf("expire: %v", err)
	}
	d, err := env.Engine.Document(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	if d.States["draft-iesg"] != "writeupw" {
		t.Fatalf("state = %q, want writeupw", d.States["draft-iesg"])
	}
}

func TestExpireLastCallIsNoOpOutsideLastCall(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t, "draft-ietf-test-lc-noop")
	env.setState(t, d.ID, "draft-iesg", "ad-eval")

	before, _ := env.Engine.EventsFor(env.Ctx, d.ID, 0)
	if err := env.Engine.ExpireLastCall(env.Ctx, d.ID, engine.SystemActor); err != nil {
		t.Fatalf("expire: %v", err)
	}
	after, _ := env.Engine.EventsFor(env.Ctx, d.ID, 0)
	if len(after) != len(before) {
		t.Fatal("expiry outside last call must not append events")
	}
}

func TestFindExpiredLastCalls(t *testing.T) {
	env := newTestEnv(t)
	soon := env.Clock.t.Add(1 * 24 * time.Hour)
	later := env.Clock.t.Add(30 * 24 * time.Hour)
	due := env.toLastCall(t, "draft-ietf-test-due", soon)
	env.toLastCall(t, "draft-ietf-test-notdue", later)

	ids, err := env.Engine.FindExpiredLastCalls(env.Ctx, env.Clock.t.Add(2*24*time.Hour))
	if err != nil {
		t.Fatalf("find expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != due.ID {
		t.Fatalf("expired = %v, want [%s]", ids, due.ID)
	}
}

func TestSweepLastCalls(t *testing.T) {
	env := newTestEnv(t)
	expires := env.Clock.t.Add(24 * time.Hour)
	var docs []domain.Document
	for i := 0; i < 5; i++ {
		docs = append(docs, env.toLastCall(t, fmt.Sprintf("draft-ietf-test-sweep-%d", i), expires))
	}

	env.Clock.Advance(48 * time.Hour)
	if err := env.Engine.SweepLastCalls(env.Ctx, env.Clock.t, engine.SystemActor); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	for _, d := range docs {
		got, err := env.Engine.Document(env.Ctx, d.ID)
		if err != nil {
			t.Fatalf("document: %v", err)
		}
		if got.States["draft-iesg"] != "writeupw" {
			t.Fatalf("%s state = %q, want writeupw", got.Name, got.States["draft-iesg"])
		}
	}

	// a second sweep finds nothing left to do
	ids, err := env.Engine.FindExpiredLastCalls(env.Ctx, env.Clock.t)
	if err != nil {
		t.Fatalf("find expired: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no expired documents after sweep, got %v", ids)
	}
}

func TestStatchgLastCallGoesStraightToGoahead(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDocument(env.Ctx, engine.DocumentCreateOptions{
		Name:    "status-change-bar-to-historic",
		Type:    "statchg",
		Title:   "Move Bar to Historic",
		ActorID: "secretariat",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	env.setState(t, d.ID, "statchg", "adrev")
	env.setState(t, d.ID, "statchg", "lc-req")
	expires := env.Clock.t.Add(24 * time.Hour)
	if _, err := env.Engine.RequestLastCall(env.Ctx, d.ID, expires, "secretariat"); err != nil {
		t.Fatalf("request last call: %v", err)
	}

	env.Clock.Advance(48 * time.Hour)
	if err := env.Engine.ExpireLastCall(env.Ctx, d.ID, engine.SystemActor); err != nil {
		t.Fatalf("expire: %v", err)
	}
	got, err := env.Engine.Document(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	if got.States["statchg"] != "goahead" {
		t.Fatalf("state = %q, want goahead", got.States["statchg"])
	}
}

func TestFullApprovalScenario(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t, "draft-ietf-test-full")

	env.setState(t, d.ID, "draft-iesg", "ad-eval")
	env.setState(t, d.ID, "draft-iesg", "lc-req")
	expires := env.Clock.t.Add(14 * 24 * time.Hour)
	if _, err := env.Engine.RequestLastCall(env.Ctx, d.ID, expires, "secretariat"); err != nil {
		t.Fatalf("request last call: %v", err)
	}
	if err := env.Engine.SaveBallotWriteup(env.Ctx, d.ID, "Consensus was strong.", "ad"); err != nil {
		t.Fatalf("writeup: %v", err)
	}
	env.Clock.Advance(15 * 24 * time.Hour)
	if err := env.Engine.SweepLastCalls(env.Ctx, env.Clock.t, engine.SystemActor); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	env.setState(t, d.ID, "draft-iesg", "iesg-eva")
	if _, err := env.Engine.SetTelechat(env.Ctx, d.ID, "2024-02-15", nil, "secretariat"); err != nil {
		t.Fatalf("telechat: %v", err)
	}

	b, err := env.Engine.OpenBallot(env.Ctx, d.ID, "ad")
	if err != nil {
		t.Fatalf("open ballot: %v", err)
	}
	if _, err := env.Engine.RecordPosition(env.Ctx, b.ID, "ana", domain.PositionYes, "ana"); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := env.Engine.RecordPosition(env.Ctx, b.ID, "ben", domain.PositionDiscuss, "ben"); err != nil {
		t.Fatalf("vote: %v", err)
	}
	outcome, err := env.Engine.Outcome(env.Ctx, b.ID)
	if err != nil {
		t.Fatalf("outcome: %v", err)
	}
	if outcome != domain.OutcomeBlocked {
		t.Fatalf("outcome = %q, want blocked", outcome)
	}
	if _, err := env.Engine.RecordPosition(env.Ctx, b.ID, "ben", domain.PositionNoObj, "ben"); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := env.Engine.CloseBallot(env.Ctx, b.ID, "secretariat"); err != nil {
		t.Fatalf("close: %v", err)
	}

	env.setState(t, d.ID, "draft-iesg", "approved")
	env.setState(t, d.ID, "draft-iesg", "ann")
	d = env.setState(t, d.ID, "draft-iesg", "rfcqueue")
	if d.States["draft-iesg"] != "rfcqueue" {
		t.Fatalf("final state = %q, want rfcqueue", d.States["draft-iesg"])
	}

	replayed, err := env.Engine.Replay(env.Ctx, d.ID, 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !reflect.DeepEqual(d.States, replayed.States) {
		t.Fatalf("replay diverges: %v vs %v", d.States, replayed.States)
	}
}
