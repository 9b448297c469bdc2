package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"docline/internal/domain"
	"docline/internal/repo"
	"docline/internal/roles"
)

// OpenBallot starts a ballot on a document. A document holds at most
// one open ballot; the partial unique index on ballots backs up the
// check here against races.
func (e Engine) OpenBallot(ctx context.Context, docID, actorID string) (domain.Ballot, error) {
	d, err := e.getDocument(ctx, docID)
	if err != nil {
		return domain.Ballot{}, err
	}
	if _, err := e.Repo.OpenBallotFor(ctx, d.ID); err == nil {
		return domain.Ballot{}, fmt.Errorf("document %s: %w", d.ID, ErrBallotAlreadyOpen)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Ballot{}, err
	}
	b := domain.Ballot{
		ID:       uuid.New().String(),
		DocID:    d.ID,
		Open:     true,
		OpenedAt: domain.FormatTime(e.now()),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ballot{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBallot(ctx, tx, b); err != nil {
		if isUniqueErr(err) {
			return domain.Ballot{}, fmt.Errorf("document %s: %w", d.ID, ErrBallotAlreadyOpen)
		}
		return domain.Ballot{}, err
	}
	if _, err := e.writer().Append(ctx, tx, d.ID, actorID, "Ballot has been issued", domain.BallotOpenedPayload{BallotID: b.ID}); err != nil {
		return domain.Ballot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ballot{}, err
	}
	return b, nil
}

// Ballot returns a ballot by id.
func (e Engine) Ballot(ctx context.Context, ballotID string) (domain.Ballot, error) {
	b, err := e.Repo.GetBallot(ctx, ballotID)
	if errors.Is(err, repo.ErrNotFound) {
		return b, fmt.Errorf("%s: %w", ballotID, ErrUnknownBallot)
	}
	return b, err
}

// OpenBallotFor returns the open ballot of a document, if any.
func (e Engine) OpenBallotFor(ctx context.Context, docID string) (domain.Ballot, error) {
	d, err := e.getDocument(ctx, docID)
	if err != nil {
		return domain.Ballot{}, err
	}
	b, err := e.Repo.OpenBallotFor(ctx, d.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return b, fmt.Errorf("document %s has no open ballot: %w", d.ID, ErrUnknownBallot)
	}
	return b, err
}

// ListBallots returns all ballots of a document, newest first.
func (e Engine) ListBallots(ctx context.Context, docID string) ([]domain.Ballot, error) {
	if _, err := e.getDocument(ctx, docID); err != nil {
		return nil, err
	}
	return e.Repo.ListBallots(ctx, docID)
}

// RecordPosition records or replaces a reviewer's position on an open
// ballot. A reviewer holds exactly one current position per ballot;
// the superseded value survives in the event log only.
func (e Engine) RecordPosition(ctx context.Context, ballotID, reviewer, value, actorID string) (domain.Position, error) {
	if reviewer == "" {
		return domain.Position{}, fmt.Errorf("%w: reviewer required", ErrInvalidPayload)
	}
	if !domain.ValidPositionValue(value) {
		return domain.Position{}, fmt.Errorf("%w: unknown position value %q", ErrInvalidPayload, value)
	}
	if !roles.FromConfig(e.Config).Eligible(reviewer) {
		return domain.Position{}, fmt.Errorf("%w: reviewer %q is not on the roster", ErrInvalidPayload, reviewer)
	}
	b, err := e.Ballot(ctx, ballotID)
	if err != nil {
		return domain.Position{}, err
	}
	if !b.Open {
		return domain.Position{}, fmt.Errorf("ballot %s: %w", b.ID, ErrBallotClosed)
	}
	var prevValue string
	if prev, err := e.Repo.GetPosition(ctx, b.ID, reviewer); err == nil {
		prevValue = prev.Value
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Position{}, err
	}
	p := domain.Position{
		BallotID:  b.ID,
		Reviewer:  reviewer,
		Value:     value,
		UpdatedAt: domain.FormatTime(e.now()),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Position{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertPosition(ctx, tx, p); err != nil {
		return domain.Position{}, err
	}
	desc := fmt.Sprintf("[Ballot Position Update] New position, %s, has been recorded for %s", value, reviewer)
	if prevValue != "" && prevValue != value {
		desc = fmt.Sprintf("[Ballot Position Update] Position for %s has been changed to %s from %s", reviewer, value, prevValue)
	}
	if _, err := e.writer().Append(ctx, tx, b.DocID, actorID, desc, domain.BallotPositionPayload{
		BallotID:  b.ID,
		Reviewer:  reviewer,
		PrevValue: prevValue,
		NewValue:  value,
	}); err != nil {
		return domain.Position{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

// Positions returns the current position of every reviewer who has
// voted on the ballot.
func (e Engine) Positions(ctx context.Context, ballotID string) ([]domain.Position, error) {
	if _, err := e.Ballot(ctx, ballotID); err != nil {
		return nil, err
	}
	return e.Repo.ListPositions(ctx, ballotID)
}

// ComputeOutcome aggregates positions into a ballot outcome. Any
// blocking position dominates. Without blockers the ballot approves
// once the approve-eligible count (yes and noobj) reaches the quorum;
// a quorum of zero or less means any approve-eligible position
// suffices.
func ComputeOutcome(positions []domain.Position, quorum int) string {
	approving := 0
	for _, p := range positions {
		if domain.BlockingPosition(p.Value) {
			return domain.OutcomeBlocked
		}
		if domain.ApprovePosition(p.Value) {
			approving++
		}
	}
	if quorum <= 0 {
		quorum = 1
	}
	if approving >= quorum {
		return domain.OutcomeApproved
	}
	return domain.OutcomePending
}

// Outcome computes the live outcome of a ballot without closing it.
// Closed ballots report their recorded outcome.
func (e Engine) Outcome(ctx context.Context, ballotID string) (string, error) {
	b, err := e.Ballot(ctx, ballotID)
	if err != nil {
		return "", err
	}
	if !b.Open {
		return b.Outcome, nil
	}
	positions, err := e.Repo.ListPositions(ctx, b.ID)
	if err != nil {
		return "", err
	}
	return ComputeOutcome(positions, e.quorum()), nil
}

// CloseBallot freezes the ballot with its outcome at close time.
func (e Engine) CloseBallot(ctx context.Context, ballotID, actorID string) (domain.Ballot, error) {
	b, err := e.Ballot(ctx, ballotID)
	if err != nil {
		return b, err
	}
	if !b.Open {
		return b, fmt.Errorf("ballot %s: %w", b.ID, ErrBallotClosed)
	}
	positions, err := e.Repo.ListPositions(ctx, b.ID)
	if err != nil {
		return b, err
	}
	outcome := ComputeOutcome(positions, e.quorum())
	closedAt := domain.FormatTime(e.now())
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()
	if err := e.Repo.CloseBallot(ctx, tx, b.ID, closedAt, outcome); err != nil {
		return b, err
	}
	evt, err := e.writer().Append(ctx, tx, b.DocID, actorID, fmt.Sprintf("Ballot closed: %s", outcome), domain.BallotClosedPayload{
		BallotID: b.ID,
		Outcome:  outcome,
	})
	if err != nil {
		return b, err
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}
	b.Open = false
	b.ClosedAt = closedAt
	b.Outcome = outcome
	if e.Notifier != nil {
		e.Notifier.Notify(ctx, b.DocID, evt)
	}
	return b, nil
}

// SaveBallotWriteup records approval announcement text for a document.
// The writeup is doc-scoped: it survives across ballots, and the
// latest ballot.writeup event wins.
func (e Engine) SaveBallotWriteup(ctx context.Context, docID, text, actorID string) error {
	d, err := e.getDocument(ctx, docID)
	if err != nil {
		return err
	}
	payload := domain.BallotWriteupPayload{Text: text}
	if b, err := e.Repo.OpenBallotFor(ctx, d.ID); err == nil {
		payload.BallotID = b.ID
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.writer().Append(ctx, tx, d.ID, actorID, "Ballot writeup was changed", payload); err != nil {
		return err
	}
	return tx.Commit()
}

// BallotWriteup returns the latest recorded writeup text for a
// document, or "" when none has been saved.
func (e Engine) BallotWriteup(ctx context.Context, docID string) (string, error) {
	d, err := e.getDocument(ctx, docID)
	if err != nil {
		return "", err
	}
	evt, err := e.Repo.LatestEventOfKind(ctx, d.ID, domain.EventBallotWriteup)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var payload domain.BallotWriteupPayload
	if err := domain.DecodePayload(evt.Payload, &payload); err != nil {
		return "", err
	}
	return payload.Text, nil
}

func (e Engine) quorum() int {
	return roles.FromConfig(e.Config).QuorumFor()
}

// modernc.org/sqlite has no typed error for key collisions; match the
// one-open-ballot index by name so other constraint failures are not
// misread as a lost race.
func isUniqueErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "ballots_one_open")
}
