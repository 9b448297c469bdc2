package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"docline/internal/domain"
	"docline/internal/repo"
)

// Apply folds one event into the document projection. Event kinds the
// projection does not know are skipped with a warning so that logs
// written by newer code still replay.
func Apply(doc *domain.Document, e domain.Event) {
	switch e.Kind {
	case domain.EventDocCreated:
		var p domain.DocCreatedPayload
		if !unmarshal(e, &p) {
			return
		}
		doc.ID = e.DocID
		doc.Name = p.Name
		doc.Type = p.Type
		doc.Rev = p.Rev
		if doc.Rev == "" {
			doc.Rev = "00"
		}
		doc.Title = p.Title
		doc.Stream = p.Stream
		doc.Group = p.Group
		doc.AD = p.AD
		doc.IntendedLevel = p.IntendedLevel
		doc.States = make(map[string]string, len(p.States))
		for k, v := range p.States {
			doc.States[k] = v
		}
		doc.Tags = nil
		doc.CreatedAt = e.TS
	case domain.EventStateChanged:
		var p domain.StateChangedPayload
		if !unmarshal(e, &p) {
			return
		}
		if doc.States == nil {
			doc.States = map[string]string{}
		}
		doc.States[p.StateType] = p.NewState
		setTags(doc, p.StateType, p.NewTags)
	case domain.EventTagsChanged:
		var p domain.TagsChangedPayload
		if !unmarshal(e, &p) {
			return
		}
		setTags(doc, p.StateType, p.NewTags)
	case domain.EventRevChanged:
		var p domain.RevChangedPayload
		if !unmarshal(e, &p) {
			return
		}
		doc.Rev = p.NewRev
	case domain.EventMetaChanged:
		var p domain.MetaChangedPayload
		if !unmarshal(e, &p) {
			return
		}
		switch p.Field {
		case domain.MetaTitle:
			doc.Title = p.New
		case domain.MetaAD:
			doc.AD = p.New
		case domain.MetaIntendedLevel:
			doc.IntendedLevel = p.New
		case domain.MetaStream:
			doc.Stream = p.New
		}
	case domain.EventComment, domain.EventBallotOpened, domain.EventBallotPosition,
		domain.EventBallotWriteup, domain.EventBallotClosed,
		domain.EventTelechatScheduled, domain.EventLastCallRequested:
		// Recorded history with no effect on the document projection.
	default:
		log.Printf("replay: skipping unknown event kind %q (doc %s seq %d)", e.Kind, e.DocID, e.Seq)
		return
	}
	doc.UpdatedAt = e.TS
}

func unmarshal(e domain.Event, into any) bool {
	if err := json.Unmarshal([]byte(e.Payload), into); err != nil {
		log.Printf("replay: skipping undecodable %s payload (doc %s seq %d): %v", e.Kind, e.DocID, e.Seq, err)
		return false
	}
	return true
}

func setTags(doc *domain.Document, stateType string, tags []string) {
	if len(tags) == 0 {
		if doc.Tags != nil {
			delete(doc.Tags, stateType)
			if len(doc.Tags) == 0 {
				doc.Tags = nil
			}
		}
		return
	}
	if doc.Tags == nil {
		doc.Tags = map[string][]string{}
	}
	doc.Tags[stateType] = append([]string(nil), tags...)
}

// Fold replays a slice of events onto a base projection.
func Fold(base domain.Document, evts []domain.Event) domain.Document {
	for _, e := range evts {
		Apply(&base, e)
	}
	return base
}

// Replay reconstructs the document projection from the log alone,
// optionally stopping at uptoSeq (0 means the whole log).
func (w Writer) Replay(ctx context.Context, docID string, uptoSeq int64) (domain.Document, error) {
	evts, err := w.Repo.EventsUpTo(ctx, docID, uptoSeq)
	if err != nil {
		return domain.Document{}, err
	}
	if len(evts) == 0 {
		return domain.Document{}, fmt.Errorf("document %s: %w", docID, repo.ErrNotFound)
	}
	return Fold(domain.Document{}, evts), nil
}
