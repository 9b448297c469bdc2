package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"docline/internal/config"
	"docline/internal/domain"
	"docline/internal/engine"
)

const (
	defaultNotifyInterval = 2 * time.Second
	defaultNotifyTimeout  = 5 * time.Second
	defaultNotifyBatch    = 100
)

// notifyDispatcher delivers committed events to the configured notify
// endpoints. It polls the global event log past a per-endpoint cursor,
// so deliveries resume after restarts without replaying history.
type notifyDispatcher struct {
	engine  engine.Engine
	targets []config.NotifyConfig
	client  *http.Client
	nudge   chan struct{}
	mu      sync.Mutex
	cursors map[int]int64
}

// StartNotifier begins background delivery and returns the dispatcher
// as an engine.Notifier so in-process expiry and ballot decisions wake
// it immediately instead of waiting for the next poll.
func StartNotifier(e engine.Engine) engine.Notifier {
	if e.Config == nil || len(e.Config.Notify) == 0 {
		return nil
	}
	d := &notifyDispatcher{
		engine:  e,
		targets: e.Config.Notify,
		client:  &http.Client{Timeout: defaultNotifyTimeout},
		nudge:   make(chan struct{}, 1),
		cursors: make(map[int]int64),
	}
	go d.run()
	return d
}

// Notify wakes the poll loop. The event itself is picked up from the
// log, which keeps delivery ordering identical to commit ordering.
func (d *notifyDispatcher) Notify(ctx context.Context, docID string, e domain.Event) {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

func (d *notifyDispatcher) run() {
	ticker := time.NewTicker(defaultNotifyInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		select {
		case <-ticker.C:
		case <-d.nudge:
		}
	}
}

func (d *notifyDispatcher) dispatchAll() {
	for i, target := range d.targets {
		if target.Enabled != nil && !*target.Enabled {
			continue
		}
		if strings.TrimSpace(target.URL) == "" {
			continue
		}
		d.dispatchTarget(i, target)
	}
}

func (d *notifyDispatcher) dispatchTarget(idx int, target config.NotifyConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	events, rowIDs, err := d.engine.Repo.EventsAfter(ctx, defaultNotifyBatch, cursor)
	if err != nil {
		log.Printf("notify: fetch events failed: %v", err)
		return
	}
	filter := newEventFilter(target.Events)
	for i, evt := range events {
		if !filter.match(evt.Kind) {
			d.setCursor(idx, rowIDs[i])
			continue
		}
		if err := d.postEvent(ctx, target, rowIDs[i], evt); err != nil {
			log.Printf("notify: deliver to %s failed: %v", target.URL, err)
			return
		}
		d.setCursor(idx, rowIDs[i])
	}
}

func (d *notifyDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventRowID(context.Background())
	if err != nil {
		log.Printf("notify: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *notifyDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type notifyEvent struct {
	Delivery    int64           `json:"delivery"`
	DocID       string          `json:"doc_id"`
	Seq         int64           `json:"seq"`
	Kind        string          `json:"kind"`
	ActorID     string          `json:"actor_id"`
	TS          string          `json:"ts"`
	Description string          `json:"description,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

func (d *notifyDispatcher) postEvent(ctx context.Context, target config.NotifyConfig, rowID int64, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	body := notifyEvent{
		Delivery:    rowID,
		DocID:       evt.DocID,
		Seq:         evt.Seq,
		Kind:        evt.Kind,
		ActorID:     evt.ActorID,
		TS:          evt.TS,
		Description: evt.Description,
		Payload:     payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultNotifyTimeout
	if target.TimeoutSeconds > 0 {
		timeout = time.Duration(target.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Docline-Event", evt.Kind)
	req.Header.Set("X-Docline-Delivery", fmt.Sprintf("%d", rowID))
	req.Header.Set("X-Docline-Doc", evt.DocID)
	if strings.TrimSpace(target.Secret) != "" {
		req.Header.Set("X-Docline-Secret", target.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
