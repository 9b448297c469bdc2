package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"docline/internal/domain"
	"docline/internal/repo"
)

// WriteupBoilerplate is the sentence seeded into every fresh approval
// announcement. Its absence from the latest writeup is taken to mean a
// human has already edited the text. Best-effort legacy heuristic;
// keep the string in sync with the announcement template.
const WriteupBoilerplate = "Relevant content can frequently be found in the abstract"

type lastCallRule struct {
	stateType string
	lcState   string
	// expiry targets; goaheadState doubles as the edited-writeup
	// target for drafts and the only target for status changes.
	writeupState string
	goaheadState string
}

var lastCallRules = map[string]lastCallRule{
	"draft": {
		stateType:    "draft-iesg",
		lcState:      "lc",
		writeupState: "writeupw",
		goaheadState: "goaheadw",
	},
	"statchg": {
		stateType:    "statchg",
		lcState:      "in-lc",
		writeupState: "goahead",
		goaheadState: "goahead",
	},
}

// RequestLastCall opens the review window: moves the document's
// approval track into its last-call state and records the expiry, in
// one transaction.
func (e Engine) RequestLastCall(ctx context.Context, docID string, expires time.Time, actorID string) (domain.Document, error) {
	d, err := e.getDocument(ctx, docID)
	if err != nil {
		return d, err
	}
	rule, ok := lastCallRules[d.Type]
	if !ok {
		return d, fmt.Errorf("%w: document type %q has no last-call track", ErrInvalidTransition, d.Type)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	d, _, err = e.applyState(ctx, tx, d, StateChangeOptions{
		DocID:     d.ID,
		StateType: rule.stateType,
		State:     rule.lcState,
		ActorID:   actorID,
	})
	if err != nil {
		return d, err
	}
	expiresAt := domain.FormatTime(expires)
	if _, err := e.writer().Append(ctx, tx, d.ID, actorID, fmt.Sprintf("Last call expires %s", expiresAt), domain.LastCallRequestedPayload{
		ExpiresAt: expiresAt,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// FindExpiredLastCalls returns the ids of documents sitting in a
// last-call state whose recorded expiry is at or before asOf. Pure
// query, no side effects.
func (e Engine) FindExpiredLastCalls(ctx context.Context, asOf time.Time) ([]string, error) {
	cutoff := domain.FormatTime(asOf)
	var out []string
	for docType, rule := range lastCallRules {
		ids, err := e.Repo.DocumentsInState(ctx, docType, rule.stateType, rule.lcState)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			evt, err := e.Repo.LatestEventOfKind(ctx, id, domain.EventLastCallRequested)
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			var payload domain.LastCallRequestedPayload
			if err := domain.DecodePayload(evt.Payload, &payload); err != nil {
				return nil, err
			}
			if payload.ExpiresAt <= cutoff {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

// ExpireLastCall forces the post-last-call transition on one document.
// Drafts land in write-up pending unless the latest writeup no longer
// carries the boilerplate sentence, in which case the write-up is
// assumed done and they go straight to go-ahead pending. Status
// changes always go to go-ahead. Documents that already left last call
// are left alone: no event, no error.
func (e Engine) ExpireLastCall(ctx context.Context, docID, actorID string) error {
	d, err := e.getDocument(ctx, docID)
	if err != nil {
		return err
	}
	rule, ok := lastCallRules[d.Type]
	if !ok {
		return nil
	}
	if d.States[rule.stateType] != rule.lcState {
		return nil
	}
	target := rule.writeupState
	if d.Type == "draft" {
		writeup, err := e.BallotWriteup(ctx, d.ID)
		if err != nil {
			return err
		}
		if writeup != "" && !strings.Contains(writeup, WriteupBoilerplate) {
			target = rule.goaheadState
		}
	}
	noTags := []string{}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	d, evt, err := e.applyState(ctx, tx, d, StateChangeOptions{
		DocID:       d.ID,
		StateType:   rule.stateType,
		State:       target,
		ReplaceTags: &noTags,
		ActorID:     actorID,
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if e.Notifier != nil && evt.Seq > 0 {
		e.Notifier.Notify(ctx, d.ID, evt)
	}
	return nil
}

// sweepWorkers bounds the number of documents expired concurrently.
const sweepWorkers = 4

// SweepLastCalls expires every overdue last call as of asOf. Documents
// are processed by a bounded worker pool; one failure never stops the
// sweep, and skipped documents are picked up again on the next run.
func (e Engine) SweepLastCalls(ctx context.Context, asOf time.Time, actorID string) error {
	ids, err := e.FindExpiredLastCalls(ctx, asOf)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	sem := make(chan struct{}, sweepWorkers)
	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := e.ExpireLastCall(ctx, id, actorID); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("expire %s: %w", id, err))
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return errors.Join(errs...)
}
