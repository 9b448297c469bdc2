package events_test

import (
	"encoding/json"
	"testing"

	"docline/internal/domain"
	"docline/internal/events"
)

func evt(t *testing.T, seq int64, payload domain.EventPayload) domain.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return domain.Event{
		DocID:   "doc-1",
		Seq:     seq,
		TS:      "2024-01-01T00:00:00Z",
		ActorID: "tester",
		Kind:    payload.Kind(),
		Payload: string(raw),
	}
}

func TestFoldRebuildsProjection(t *testing.T) {
	log := []domain.Event{
		evt(t, 1, domain.DocCreatedPayload{
			Name: "draft-ietf-test-fold", Type: "draft", Rev: "00", Title: "Fold",
			States: map[string]string{"draft": "active", "draft-iesg": "idexists"},
		}),
		evt(t, 2, domain.StateChangedPayload{
			StateType: "draft-iesg", PrevState: "idexists", NewState: "ad-eval",
		}),
		evt(t, 3, domain.TagsChangedPayload{
			StateType: "draft-iesg", NewTags: []string{"point"},
		}),
		evt(t, 4, domain.RevChangedPayload{PrevRev: "00", NewRev: "01"}),
		evt(t, 5, domain.MetaChangedPayload{Field: domain.MetaAD, New: "ops-ad"}),
	}

	doc := events.Fold(domain.Document{}, log)

	if doc.Name != "draft-ietf-test-fold" || doc.Rev != "01" || doc.AD != "ops-ad" {
		t.Fatalf("unexpected projection: %+v", doc)
	}
	if doc.States["draft-iesg"] != "ad-eval" || doc.States["draft"] != "active" {
		t.Fatalf("states = %v", doc.States)
	}
	if tags := doc.Tags["draft-iesg"]; len(tags) != 1 || tags[0] != "point" {
		t.Fatalf("tags = %v", doc.Tags)
	}
}

func TestFoldClearsEmptyTagSets(t *testing.T) {
	log := []domain.Event{
		evt(t, 1, domain.DocCreatedPayload{
			Name: "draft-ietf-test-tags", Type: "draft", Rev: "00", Title: "Tags",
			States: map[string]string{"draft-iesg": "idexists"},
		}),
		evt(t, 2, domain.TagsChangedPayload{StateType: "draft-iesg", NewTags: []string{"need-rev"}}),
		evt(t, 3, domain.TagsChangedPayload{StateType: "draft-iesg", PrevTags: []string{"need-rev"}}),
	}

	doc := events.Fold(domain.Document{}, log)
	if doc.Tags != nil {
		t.Fatalf("expected nil tags, got %v", doc.Tags)
	}
}

func TestFoldStateChangeCarriesTags(t *testing.T) {
	log := []domain.Event{
		evt(t, 1, domain.DocCreatedPayload{
			Name: "draft-ietf-test-atomic", Type: "draft", Rev: "00", Title: "Atomic",
			States: map[string]string{"draft-iesg": "idexists"},
		}),
		evt(t, 2, domain.TagsChangedPayload{StateType: "draft-iesg", NewTags: []string{"need-rev"}}),
		// a transition replaces the tag set atomically
		evt(t, 3, domain.StateChangedPayload{
			StateType: "draft-iesg", PrevState: "idexists", NewState: "ad-eval",
			PrevTags: []string{"need-rev"},
		}),
	}

	doc := events.Fold(domain.Document{}, log)
	if doc.States["draft-iesg"] != "ad-eval" {
		t.Fatalf("state = %q", doc.States["draft-iesg"])
	}
	if _, ok := doc.Tags["draft-iesg"]; ok {
		t.Fatalf("tags should have been cleared, got %v", doc.Tags)
	}
}

func TestFoldSkipsRecordOnlyEvents(t *testing.T) {
	log := []domain.Event{
		evt(t, 1, domain.DocCreatedPayload{
			Name: "draft-ietf-test-skip", Type: "draft", Rev: "00", Title: "Skip",
			States: map[string]string{"draft-iesg": "idexists"},
		}),
		evt(t, 2, domain.CommentPayload{Text: "reviewed"}),
		evt(t, 3, domain.TelechatPayload{Date: "2024-03-01"}),
	}

	doc := events.Fold(domain.Document{}, log)
	if doc.States["draft-iesg"] != "idexists" {
		t.Fatalf("record-only events must not touch states: %v", doc.States)
	}
	if doc.UpdatedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("updated_at = %q", doc.UpdatedAt)
	}
}
