package domain

import "time"

// TimeLayout is RFC3339 with a fixed nine-digit fraction. Stored
// timestamps must use it so string comparison orders events that land
// inside the same second.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders an instant the way every table stores it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// StateType is one orthogonal axis of document state, e.g. the overall
// draft lifecycle or the IESG evaluation track. The set of state types
// applicable to a document is fixed by its document type.
type StateType struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// State is one discrete value within a StateType. Retired states keep
// Used=false so history stays resolvable.
type State struct {
	Type       string   `json:"type"`
	Key        string   `json:"key"`
	Name       string   `json:"name"`
	Order      int      `json:"order"`
	Used       bool     `json:"used"`
	NextStates []string `json:"next_states,omitempty"`
}

type Document struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Type          string              `json:"type" enum:"draft,statchg"`
	Rev           string              `json:"rev"`
	Title         string              `json:"title"`
	Stream        string              `json:"stream,omitempty"`
	Group         string              `json:"group,omitempty"`
	AD            string              `json:"ad,omitempty"`
	IntendedLevel string              `json:"intended_level,omitempty"`
	States        map[string]string   `json:"states"`
	Tags          map[string][]string `json:"tags,omitempty"`
	CreatedAt     string              `json:"created_at" format:"date-time"`
	UpdatedAt     string              `json:"updated_at" format:"date-time"`
}

// Event is one immutable history record. Seq is monotonic and gapless
// per document starting at 1; the ordered sequence is the authoritative
// history and the Document fields are a replayable projection of it.
type Event struct {
	DocID       string `json:"doc_id"`
	Seq         int64  `json:"seq"`
	TS          string `json:"ts" format:"date-time"`
	ActorID     string `json:"actor_id"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
	Payload     string `json:"payload_json"`
}

// Snapshot is an immutable copy of the document projection taken right
// after the event with the matching seq was appended. Snapshots are a
// replay cache, never a second source of truth.
type Snapshot struct {
	DocID         string              `json:"doc_id"`
	EventSeq      int64               `json:"event_seq"`
	TS            string              `json:"ts" format:"date-time"`
	Rev           string              `json:"rev"`
	Title         string              `json:"title"`
	Stream        string              `json:"stream,omitempty"`
	AD            string              `json:"ad,omitempty"`
	IntendedLevel string              `json:"intended_level,omitempty"`
	States        map[string]string   `json:"states"`
	Tags          map[string][]string `json:"tags,omitempty"`
}

type Ballot struct {
	ID       string `json:"id"`
	DocID    string `json:"doc_id"`
	Open     bool   `json:"open"`
	OpenedAt string `json:"opened_at" format:"date-time"`
	ClosedAt string `json:"closed_at,omitempty" format:"date-time"`
	Outcome  string `json:"outcome,omitempty"`
}

// Position is one reviewer's current vote on one ballot. Superseded
// values survive only in the event log.
type Position struct {
	BallotID  string `json:"ballot_id"`
	Reviewer  string `json:"reviewer"`
	Value     string `json:"value" enum:"yes,noobj,abstain,discuss,block,recuse"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Telechat is derived per document from the latest telechat.scheduled
// event; it is not independent durable state.
type Telechat struct {
	Date      string `json:"date,omitempty" format:"date"`
	Returning bool   `json:"returning"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
