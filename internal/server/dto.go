package server

import (
	"docline/internal/domain"
)

// Request payloads

type CreateDocumentRequest struct {
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	Title         string  `json:"title"`
	Rev           *string `json:"rev,omitempty"`
	Stream        *string `json:"stream,omitempty"`
	Group         *string `json:"group,omitempty"`
	AD            *string `json:"ad,omitempty"`
	IntendedLevel *string `json:"intended_level,omitempty"`
}

type SetStateRequest struct {
	StateType string    `json:"state_type"`
	State     string    `json:"state"`
	Tags      *[]string `json:"tags,omitempty"`
	Force     bool      `json:"force,omitempty"`
}

type SetTagsRequest struct {
	StateType string   `json:"state_type"`
	Add       []string `json:"add,omitempty"`
	Remove    []string `json:"remove,omitempty"`
}

type SetRevisionRequest struct {
	Rev string `json:"rev"`
}

type SetMetadataRequest struct {
	Field string `json:"field" enum:"title,ad,intended_level,stream"`
	Value string `json:"value"`
}

type CommentRequest struct {
	Text string `json:"text"`
}

type RecordPositionRequest struct {
	Reviewer string `json:"reviewer"`
	Value    string `json:"value" enum:"yes,noobj,abstain,discuss,block,recuse"`
}

type WriteupRequest struct {
	Text string `json:"text"`
}

type TelechatRequest struct {
	Date      string `json:"date,omitempty" format:"date"`
	Returning *bool  `json:"returning,omitempty"`
}

type LastCallRequest struct {
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type SweepRequest struct {
	AsOf string `json:"as_of,omitempty" format:"date-time"`
}

// Response payloads

type DocumentResponse struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Type          string              `json:"type"`
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

type EventResponse struct {
	DocID       string `json:"doc_id"`
	Seq         int64  `json:"seq"`
	TS          string `json:"ts" format:"date-time"`
	ActorID     string `json:"actor_id"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Payload     any    `json:"payload,omitempty"`
}

type BallotResponse struct {
	ID       string `json:"id"`
	DocID    string `json:"doc_id"`
	Open     bool   `json:"open"`
	OpenedAt string `json:"opened_at" format:"date-time"`
	ClosedAt string `json:"closed_at,omitempty" format:"date-time"`
	Outcome  string `json:"outcome,omitempty"`
}

type PositionResponse struct {
	BallotID  string `json:"ballot_id"`
	Reviewer  string `json:"reviewer"`
	Value     string `json:"value" enum:"yes,noobj,abstain,discuss,block,recuse"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type OutcomeResponse struct {
	BallotID string `json:"ballot_id"`
	Outcome  string `json:"outcome" enum:"approved,blocked,pending"`
}

type TelechatResponse struct {
	Date      string `json:"date,omitempty" format:"date"`
	Returning bool   `json:"returning"`
}

type StateTypeResponse struct {
	Key    string          `json:"key"`
	Label  string          `json:"label"`
	States []StateResponse `json:"states"`
}

type StateResponse struct {
	Key        string   `json:"key"`
	Name       string   `json:"name"`
	Used       bool     `json:"used"`
	NextStates []string `json:"next_states,omitempty"`
}

type StateAtResponse struct {
	DocID  string            `json:"doc_id"`
	TS     string            `json:"ts" format:"date-time"`
	States map[string]string `json:"states"`
}

type SweepResponse struct {
	Expired []string `json:"expired"`
}

func documentResponse(d domain.Document) DocumentResponse {
	return DocumentResponse{
		ID:            d.ID,
		Name:          d.Name,
		Type:          d.Type,
		Rev:           d.Rev,
		Title:         d.Title,
		Stream:        d.Stream,
		Group:         d.Group,
		AD:            d.AD,
		IntendedLevel: d.IntendedLevel,
		States:        d.States,
		Tags:          d.Tags,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func mapDocuments(items []domain.Document) []DocumentResponse {
	out := make([]DocumentResponse, 0, len(items))
	for _, d := range items {
		out = append(out, documentResponse(d))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	var payload any
	if e.Payload != "" {
		var decoded map[string]any
		if err := domain.DecodePayload(e.Payload, &decoded); err == nil {
			payload = decoded
		} else {
			payload = e.Payload
		}
	}
	return EventResponse{
		DocID:       e.DocID,
		Seq:         e.Seq,
		TS:          e.TS,
		ActorID:     e.ActorID,
		Kind:        e.Kind,
		Description: e.Description,
		Payload:     payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}

func ballotResponse(b domain.Ballot) BallotResponse {
	return BallotResponse{
		ID:       b.ID,
		DocID:    b.DocID,
		Open:     b.Open,
		OpenedAt: b.OpenedAt,
		ClosedAt: b.ClosedAt,
		Outcome:  b.Outcome,
	}
}

func mapBallots(items []domain.Ballot) []BallotResponse {
	out := make([]BallotResponse, 0, len(items))
	for _, b := range items {
		out = append(out, ballotResponse(b))
	}
	return out
}

func positionResponse(p domain.Position) PositionResponse {
	return PositionResponse{
		BallotID:  p.BallotID,
		Reviewer:  p.Reviewer,
		Value:     p.Value,
		UpdatedAt: p.UpdatedAt,
	}
}

func mapPositions(items []domain.Position) []PositionResponse {
	out := make([]PositionResponse, 0, len(items))
	for _, p := range items {
		out = append(out, positionResponse(p))
	}
	return out
}
