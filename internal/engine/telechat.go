package engine

import (
	"context"
	"errors"
	"fmt"

	"docline/internal/domain"
	"docline/internal/repo"
)

// Telechat returns the document's current agenda assignment, derived
// from the latest telechat.scheduled event. No event means not
// scheduled.
func (e Engine) Telechat(ctx context.Context, docID string) (domain.Telechat, error) {
	d, err := e.getDocument(ctx, docID)
	if err != nil {
		return domain.Telechat{}, err
	}
	return e.currentTelechat(ctx, d.ID)
}

func (e Engine) currentTelechat(ctx context.Context, docID string) (domain.Telechat, error) {
	evt, err := e.Repo.LatestEventOfKind(ctx, docID, domain.EventTelechatScheduled)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Telechat{}, nil
	}
	if err != nil {
		return domain.Telechat{}, err
	}
	var payload domain.TelechatPayload
	if err := domain.DecodePayload(evt.Payload, &payload); err != nil {
		return domain.Telechat{}, err
	}
	return domain.Telechat{Date: payload.Date, Returning: payload.Returning}, nil
}

// SetTelechat places the document on, moves it within, or removes it
// from the meeting agenda. An empty date removes it. The returning
// flag follows the caller's explicit choice when given; otherwise it
// flips to true only when an already scheduled document moves to a
// different date, and is inherited everywhere else. Calls that change
// neither the date nor the flag append nothing.
func (e Engine) SetTelechat(ctx context.Context, docID, date string, explicitReturning *bool, actorID string) (domain.Telechat, error) {
	d, err := e.getDocument(ctx, docID)
	if err != nil {
		return domain.Telechat{}, err
	}
	prev, err := e.currentTelechat(ctx, d.ID)
	if err != nil {
		return domain.Telechat{}, err
	}
	returning := prev.Returning
	switch {
	case explicitReturning != nil:
		returning = *explicitReturning
	case prev.Date != "" && date != "" && date != prev.Date:
		returning = true
	}
	next := domain.Telechat{Date: date, Returning: returning}
	if next == prev {
		return prev, nil
	}
	var desc string
	switch {
	case prev.Date == "" && date != "":
		desc = fmt.Sprintf("Placed on agenda for telechat - %s", date)
	case prev.Date != "" && date == "":
		desc = "Removed from agenda for telechat"
	case prev.Date != date:
		desc = fmt.Sprintf("Telechat date has been changed to %s from %s", date, prev.Date)
	default:
		desc = fmt.Sprintf("Returning item flag changed to %t", returning)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return prev, err
	}
	defer tx.Rollback()
	if _, err := e.writer().Append(ctx, tx, d.ID, actorID, desc, domain.TelechatPayload{
		PrevDate:  prev.Date,
		Date:      date,
		Returning: returning,
	}); err != nil {
		return prev, err
	}
	if err := tx.Commit(); err != nil {
		return prev, err
	}
	return next, nil
}
