package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event kinds. New kinds may appear over time; replay skips kinds it
// does not recognize instead of failing.
const (
	EventDocCreated        = "doc.created"
	EventStateChanged      = "state.changed"
	EventTagsChanged       = "tags.changed"
	EventRevChanged        = "rev.changed"
	EventMetaChanged       = "meta.changed"
	EventComment           = "comment"
	EventBallotOpened      = "ballot.opened"
	EventBallotPosition    = "ballot.position"
	EventBallotWriteup     = "ballot.writeup"
	EventBallotClosed      = "ballot.closed"
	EventTelechatScheduled = "telechat.scheduled"
	EventLastCallRequested = "lastcall.requested"
)

// EventPayload is the kind-specific body of an event. Validate runs
// before the event is persisted; a failing payload never reaches the log.
type EventPayload interface {
	Kind() string
	Validate() error
}

// DecodePayload unmarshals an event's stored payload JSON into dst.
func DecodePayload(raw string, dst any) error {
	return json.Unmarshal([]byte(raw), dst)
}

type DocCreatedPayload struct {
	Name          string            `json:"name"`
	Type          string            `json:"type"`
	Rev           string            `json:"rev"`
	Title         string            `json:"title"`
	Stream        string            `json:"stream,omitempty"`
	Group         string            `json:"group,omitempty"`
	AD            string            `json:"ad,omitempty"`
	IntendedLevel string            `json:"intended_level,omitempty"`
	States        map[string]string `json:"states"`
}

func (DocCreatedPayload) Kind() string { return EventDocCreated }
func (p DocCreatedPayload) Validate() error {
	if p.Name == "" {
		return errors.New("name required")
	}
	if p.Type == "" {
		return errors.New("type required")
	}
	if len(p.States) == 0 {
		return errors.New("initial states required")
	}
	return nil
}

type StateChangedPayload struct {
	StateType string   `json:"state_type"`
	PrevState string   `json:"prev_state"`
	NewState  string   `json:"new_state"`
	PrevTags  []string `json:"prev_tags,omitempty"`
	NewTags   []string `json:"new_tags,omitempty"`
}

func (StateChangedPayload) Kind() string { return EventStateChanged }
func (p StateChangedPayload) Validate() error {
	if p.StateType == "" {
		return errors.New("state_type required")
	}
	if p.NewState == "" {
		return errors.New("new_state required")
	}
	return nil
}

type TagsChangedPayload struct {
	StateType string   `json:"state_type"`
	PrevTags  []string `json:"prev_tags,omitempty"`
	NewTags   []string `json:"new_tags,omitempty"`
}

func (TagsChangedPayload) Kind() string { return EventTagsChanged }
func (p TagsChangedPayload) Validate() error {
	if p.StateType == "" {
		return errors.New("state_type required")
	}
	return nil
}

type RevChangedPayload struct {
	PrevRev string `json:"prev_rev"`
	NewRev  string `json:"new_rev"`
}

func (RevChangedPayload) Kind() string { return EventRevChanged }
func (p RevChangedPayload) Validate() error {
	if p.NewRev == "" {
		return errors.New("new_rev required")
	}
	return nil
}

// Metadata fields accepted by meta.changed events.
const (
	MetaTitle         = "title"
	MetaAD            = "ad"
	MetaIntendedLevel = "intended_level"
	MetaStream        = "stream"
)

type MetaChangedPayload struct {
	Field string `json:"field"`
	Prev  string `json:"prev,omitempty"`
	New   string `json:"new"`
}

func (MetaChangedPayload) Kind() string { return EventMetaChanged }
func (p MetaChangedPayload) Validate() error {
	switch p.Field {
	case MetaTitle, MetaAD, MetaIntendedLevel, MetaStream:
		return nil
	case "":
		return errors.New("field required")
	default:
		return fmt.Errorf("unknown metadata field %q", p.Field)
	}
}

type CommentPayload struct {
	Text string `json:"text"`
}

func (CommentPayload) Kind() string { return EventComment }
func (p CommentPayload) Validate() error {
	if p.Text == "" {
		return errors.New("text required")
	}
	return nil
}

type BallotOpenedPayload struct {
	BallotID string `json:"ballot_id"`
}

func (BallotOpenedPayload) Kind() string { return EventBallotOpened }
func (p BallotOpenedPayload) Validate() error {
	if p.BallotID == "" {
		return errors.New("ballot_id required")
	}
	return nil
}

type BallotPositionPayload struct {
	BallotID  string `json:"ballot_id"`
	Reviewer  string `json:"reviewer"`
	PrevValue string `json:"prev_value,omitempty"`
	NewValue  string `json:"new_value"`
}

func (BallotPositionPayload) Kind() string { return EventBallotPosition }
func (p BallotPositionPayload) Validate() error {
	if p.BallotID == "" {
		return errors.New("ballot_id required")
	}
	if p.Reviewer == "" {
		return errors.New("reviewer required")
	}
	if !ValidPositionValue(p.NewValue) {
		return fmt.Errorf("unknown position value %q", p.NewValue)
	}
	return nil
}

type BallotWriteupPayload struct {
	BallotID string `json:"ballot_id,omitempty"`
	Text     string `json:"text"`
}

func (BallotWriteupPayload) Kind() string { return EventBallotWriteup }
func (p BallotWriteupPayload) Validate() error {
	if p.Text == "" {
		return errors.New("text required")
	}
	return nil
}

type BallotClosedPayload struct {
	BallotID string `json:"ballot_id"`
	Outcome  string `json:"outcome"`
}

func (BallotClosedPayload) Kind() string { return EventBallotClosed }
func (p BallotClosedPayload) Validate() error {
	if p.BallotID == "" {
		return errors.New("ballot_id required")
	}
	return nil
}

type TelechatPayload struct {
	PrevDate  string `json:"prev_date,omitempty"`
	Date      string `json:"date,omitempty"`
	Returning bool   `json:"returning"`
}

func (TelechatPayload) Kind() string { return EventTelechatScheduled }
func (p TelechatPayload) Validate() error { return nil }

type LastCallRequestedPayload struct {
	ExpiresAt string `json:"expires_at"`
}

func (LastCallRequestedPayload) Kind() string { return EventLastCallRequested }
func (p LastCallRequestedPayload) Validate() error {
	if p.ExpiresAt == "" {
		return errors.New("expires_at required")
	}
	return nil
}
