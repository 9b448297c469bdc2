package doclinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Docline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Document represents the API document model.
type Document struct {
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
	CreatedAt     string              `json:"created_at"`
	UpdatedAt     string              `json:"updated_at"`
}

// Event represents a history entry.
type Event struct {
	DocID       string `json:"doc_id"`
	Seq         int64  `json:"seq"`
	TS          string `json:"ts"`
	ActorID     string `json:"actor_id"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
	Payload     any    `json:"payload,omitempty"`
}

// Ballot represents one approval round.
type Ballot struct {
	ID       string `json:"id"`
	DocID    string `json:"doc_id"`
	Open     bool   `json:"open"`
	OpenedAt string `json:"opened_at"`
	ClosedAt string `json:"closed_at,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// Position is a reviewer's current stance on a ballot.
type Position struct {
	BallotID  string `json:"ballot_id"`
	Reviewer  string `json:"reviewer"`
	Value     string `json:"value"`
	UpdatedAt string `json:"updated_at"`
}

// Telechat is a document's agenda assignment.
type Telechat struct {
	Date      string `json:"date,omitempty"`
	Returning bool   `json:"returning"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateDocumentRequest holds the fields for CreateDocument.
type CreateDocumentRequest struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	Title         string `json:"title"`
	Rev           string `json:"rev,omitempty"`
	Stream        string `json:"stream,omitempty"`
	Group         string `json:"group,omitempty"`
	AD            string `json:"ad,omitempty"`
	IntendedLevel string `json:"intended_level,omitempty"`
}

// CreateDocument registers a new document.
func (c *Client) CreateDocument(ctx context.Context, req CreateDocumentRequest) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodPost, "v0/documents", req, &resp)
	return resp, err
}

// Document fetches a document by id.
func (c *Client) Document(ctx context.Context, id string) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodGet, c.docPath(id, ""), nil, &resp)
	return resp, err
}

// ListDocuments returns documents, optionally filtered by type.
func (c *Client) ListDocuments(ctx context.Context, docType string) ([]Document, error) {
	endpoint := "v0/documents"
	if docType != "" {
		endpoint += "?type=" + url.QueryEscape(docType)
	}
	var resp []Document
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetState moves a document to a new state within one state type.
func (c *Client) SetState(ctx context.Context, docID, stateType, state string) (Document, error) {
	body := map[string]any{"state_type": stateType, "state": state}
	var resp Document
	err := c.do(ctx, http.MethodPost, c.docPath(docID, "state"), body, &resp)
	return resp, err
}

// SetTags adds and removes tags on one state type.
func (c *Client) SetTags(ctx context.Context, docID, stateType string, add, remove []string) (Document, error) {
	body := map[string]any{"state_type": stateType, "add": add, "remove": remove}
	var resp Document
	err := c.do(ctx, http.MethodPost, c.docPath(docID, "tags"), body, &resp)
	return resp, err
}

// NewRevision records a new revision.
func (c *Client) NewRevision(ctx context.Context, docID, rev string) (Document, error) {
	body := map[string]any{"rev": rev}
	var resp Document
	err := c.do(ctx, http.MethodPost, c.docPath(docID, "rev"), body, &resp)
	return resp, err
}

// Events returns a document's history after the given sequence number.
func (c *Client) Events(ctx context.Context, docID string, since int64) ([]Event, error) {
	endpoint := c.docPath(docID, "events")
	if since > 0 {
		endpoint = fmt.Sprintf("%s?since=%d", endpoint, since)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// OpenBallot opens an approval round for a document.
func (c *Client) OpenBallot(ctx context.Context, docID string) (Ballot, error) {
	var resp Ballot
	err := c.do(ctx, http.MethodPost, c.docPath(docID, "ballots"), nil, &resp)
	return resp, err
}

// RecordPosition records or replaces a reviewer's position.
func (c *Client) RecordPosition(ctx context.Context, ballotID, reviewer, value string) (Position, error) {
	body := map[string]any{"reviewer": reviewer, "value": value}
	var resp Position
	endpoint := fmt.Sprintf("v0/ballots/%s/positions", url.PathEscape(ballotID))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// Outcome fetches the current aggregate outcome of a ballot.
func (c *Client) Outcome(ctx context.Context, ballotID string) (string, error) {
	var resp struct {
		Outcome string `json:"outcome"`
	}
	endpoint := fmt.Sprintf("v0/ballots/%s/outcome", url.PathEscape(ballotID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Outcome, err
}

// CloseBallot freezes a ballot and records its outcome.
func (c *Client) CloseBallot(ctx context.Context, ballotID string) (Ballot, error) {
	var resp Ballot
	endpoint := fmt.Sprintf("v0/ballots/%s/close", url.PathEscape(ballotID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// SetTelechat places, moves, or removes a document on the agenda.
func (c *Client) SetTelechat(ctx context.Context, docID, date string, returning *bool) (Telechat, error) {
	body := map[string]any{"date": date}
	if returning != nil {
		body["returning"] = *returning
	}
	var resp Telechat
	err := c.do(ctx, http.MethodPut, c.docPath(docID, "telechat"), body, &resp)
	return resp, err
}

// RequestLastCall opens a last-call window expiring at the given instant.
func (c *Client) RequestLastCall(ctx context.Context, docID, expiresAt string) (Document, error) {
	body := map[string]any{"expires_at": expiresAt}
	var resp Document
	err := c.do(ctx, http.MethodPost, c.docPath(docID, "last-call"), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) docPath(docID, p string) string {
	endpoint := fmt.Sprintf("v0/documents/%s", url.PathEscape(docID))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
