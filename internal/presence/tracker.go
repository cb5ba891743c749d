// Package presence tracks who is online, globally and per conversation, without
// persisting anything beyond the process.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"messaging-service/internal/cache"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/pubsub"
	"messaging-service/internal/timers"
)

// GlobalScope holds every connected participant.
const GlobalScope = "global"

// DefaultTimeout is how long a record survives without a heartbeat.
const DefaultTimeout = 30 * time.Second

const (
	metaOrigin    = "origin"
	lastSeenKey   = "presence:last_seen:"
	lastSeenTTL   = 30 * 24 * time.Hour
	cacheDeadline = time.Second
)

// ConversationScope is the presence scope of one open conversation.
func ConversationScope(conversationID string) string {
	return "conversation:" + conversationID
}

// Change is delivered to listeners when a record in their scope changes.
// A record with status offline means the participant left or timed out.
type Change struct {
	Scope  string                `json:"scope"`
	Record models.PresenceRecord `json:"record"`
}

type key struct {
	scope  string
	userID string
}

// Tracker is the process-wide presence registry. Each scope it tracks maps to one
// shared bus subscription, however many local listeners hold it.
type Tracker struct {
	bus     pubsub.PubSub
	group   *pubsub.Group[Change]
	origin  string
	timeout time.Duration
	cache   cache.Cache
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.RWMutex
	records map[string]map[string]models.PresenceRecord
	// sessions counts this process's open Joins per scope and user.
	sessions map[key]int
	timers   *timers.Arena[key]

	stopGlobal func()
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithCache mirrors last-seen timestamps so they outlive the in-memory record.
func WithCache(c cache.Cache) Option {
	return func(t *Tracker) { t.cache = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger replaces the default component logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker builds a Tracker over bus. Call Start before use.
func NewTracker(bus pubsub.PubSub, opts ...Option) *Tracker {
	t := &Tracker{
		bus:     bus,
		origin:  uuid.NewString(),
		timeout: DefaultTimeout,
		now:     time.Now,
		logger:  slog.Default().With("component", "presence"),
		records:  make(map[string]map[string]models.PresenceRecord),
		sessions: make(map[key]int),
		timers:   timers.NewArena[key](),
	}
	t.group = pubsub.NewGroup[Change](bus, t.handleRemote)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start subscribes the global scope so IsOnline reflects other processes.
func (t *Tracker) Start() error {
	release, err := t.Subscribe(GlobalScope, func(Change) {})
	if err != nil {
		return err
	}
	t.stopGlobal = release
	return nil
}

// Close drops every subscription and timer.
func (t *Tracker) Close() {
	if t.stopGlobal != nil {
		t.stopGlobal()
	}
	t.timers.Stop()
}

// Join marks rec online in scope and announces it.
// Each Join opens one session for the user; the user stays online in scope until
// every session has left.
func (t *Tracker) Join(ctx context.Context, scope string, rec models.PresenceRecord) error {
	return t.join(ctx, scope, rec, true)
}

func (t *Tracker) join(ctx context.Context, scope string, rec models.PresenceRecord, session bool) error {
	if rec.Status == "" {
		rec.Status = models.PresenceOnline
	}
	rec.LastSeen = t.now().UTC()
	if err := rec.Validate(); err != nil {
		return err
	}
	if session {
		t.mu.Lock()
		t.sessions[key{scope: scope, userID: rec.UserID}]++
		t.mu.Unlock()
	}
	t.apply(Change{Scope: scope, Record: rec})
	return t.announce(ctx, scope, rec)
}

// Heartbeat refreshes userID's record in scope and optionally changes its status.
// An unknown user is joined with what is known.
func (t *Tracker) Heartbeat(ctx context.Context, scope, userID string, status models.PresenceStatus) error {
	t.mu.RLock()
	rec, ok := t.records[scope][userID]
	t.mu.RUnlock()
	if !ok {
		rec = models.PresenceRecord{UserID: userID}
	}
	if status != "" {
		rec.Status = status
	}
	return t.join(ctx, scope, rec, false)
}

// Leave closes one of userID's sessions in scope. The last one removes the user
// and announces it offline.
func (t *Tracker) Leave(ctx context.Context, scope, userID string) error {
	k := key{scope: scope, userID: userID}
	t.mu.Lock()
	if n := t.sessions[k]; n > 1 {
		t.sessions[k] = n - 1
		t.mu.Unlock()
		return nil
	}
	delete(t.sessions, k)
	rec, ok := t.records[scope][userID]
	t.mu.Unlock()
	if !ok {
		rec = models.PresenceRecord{UserID: userID}
	}
	rec.Status = models.PresenceOffline
	rec.LastSeen = t.now().UTC()
	t.apply(Change{Scope: scope, Record: rec})
	return t.announce(ctx, scope, rec)
}

// IsOnline reports whether userID is online or away in the global scope.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[GlobalScope][userID]
	return ok && rec.Status != models.PresenceOffline
}

// Get returns userID's record in scope.
func (t *Tracker) Get(scope, userID string) (models.PresenceRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[scope][userID]
	return rec, ok
}

// Online lists scope's records ordered by user id.
func (t *Tracker) Online(scope string) []models.PresenceRecord {
	t.mu.RLock()
	out := make([]models.PresenceRecord, 0, len(t.records[scope]))
	for _, rec := range t.records[scope] {
		out = append(out, rec)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// LastSeen answers from memory first, then from the cache mirror.
func (t *Tracker) LastSeen(ctx context.Context, userID string) (time.Time, bool) {
	var latest time.Time
	t.mu.RLock()
	for _, recs := range t.records {
		if rec, ok := recs[userID]; ok && rec.LastSeen.After(latest) {
			latest = rec.LastSeen
		}
	}
	t.mu.RUnlock()
	if !latest.IsZero() || t.cache == nil {
		return latest, !latest.IsZero()
	}

	ctx, cancel := context.WithTimeout(ctx, cacheDeadline)
	defer cancel()
	raw, err := t.cache.Get(ctx, lastSeenKey+userID)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			t.logger.Warn("last seen lookup failed", "user_id", userID, "error", err)
		}
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// Subscribe registers fn for changes in scope. The first listener for a scope opens
// its bus subscription and the last release closes it.
func (t *Tracker) Subscribe(scope string, fn func(Change)) (func(), error) {
	return t.group.Subscribe(pubsub.PresenceTopic(scope), fn)
}

func (t *Tracker) handleRemote(_ context.Context, msg pubsub.Message) error {
	if msg.Metadata[metaOrigin] == t.origin {
		return nil
	}
	change, err := pubsub.Decode[Change](msg)
	if err != nil {
		return err
	}
	if err := change.Record.Validate(); err != nil {
		return err
	}
	if change.Record.Status == models.PresenceOffline && t.reclaim(change) {
		return nil
	}
	t.apply(change)
	return nil
}

// reclaim answers a remote offline for a user that still has sessions here by
// announcing the local record again. It reports whether it did.
func (t *Tracker) reclaim(change Change) bool {
	k := key{scope: change.Scope, userID: change.Record.UserID}
	t.mu.RLock()
	held := t.sessions[k] > 0
	rec, ok := t.records[k.scope][k.userID]
	t.mu.RUnlock()
	if !held || !ok {
		return false
	}

	rec.LastSeen = t.now().UTC()
	t.apply(Change{Scope: change.Scope, Record: rec})
	// Handlers must not publish synchronously on the bus.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cacheDeadline)
		defer cancel()
		if err := t.announce(ctx, change.Scope, rec); err != nil {
			t.logger.Warn("presence reclaim failed", "scope", change.Scope, "user_id", rec.UserID, "error", err)
		}
	}()
	return true
}

// apply is last-write-wins per user and scope.
func (t *Tracker) apply(change Change) {
	k := key{scope: change.Scope, userID: change.Record.UserID}

	t.mu.Lock()
	recs := t.records[change.Scope]
	if cur, ok := recs[k.userID]; ok && change.Record.LastSeen.Before(cur.LastSeen) {
		t.mu.Unlock()
		return
	}
	if change.Record.Status == models.PresenceOffline {
		delete(recs, k.userID)
		if len(recs) == 0 {
			delete(t.records, change.Scope)
		}
	} else {
		if recs == nil {
			recs = make(map[string]models.PresenceRecord)
			t.records[change.Scope] = recs
		}
		recs[k.userID] = change.Record
	}
	online := len(t.records[GlobalScope])
	t.mu.Unlock()

	if change.Record.Status == models.PresenceOffline {
		t.timers.Cancel(k)
	} else {
		t.timers.Arm(k, t.timeout, func() { t.expire(k) })
	}
	if change.Scope == GlobalScope {
		observability.SetPresenceOnline(online)
	}
	t.notify(change)
}

// expire runs when a record missed its heartbeats. Every process arms its own timer,
// so nothing is announced.
func (t *Tracker) expire(k key) {
	t.mu.Lock()
	rec, ok := t.records[k.scope][k.userID]
	delete(t.sessions, k)
	t.mu.Unlock()
	if !ok {
		return
	}
	t.logger.Debug("presence timed out", "scope", k.scope, "user_id", k.userID)
	rec.Status = models.PresenceOffline
	t.apply(Change{Scope: k.scope, Record: rec})
}

func (t *Tracker) notify(change Change) {
	t.group.Emit(pubsub.PresenceTopic(change.Scope), change)
}

func (t *Tracker) announce(ctx context.Context, scope string, rec models.PresenceRecord) error {
	if t.cache != nil && scope == GlobalScope {
		cctx, cancel := context.WithTimeout(ctx, cacheDeadline)
		if err := t.cache.Set(cctx, lastSeenKey+rec.UserID, rec.LastSeen.Format(time.RFC3339Nano), lastSeenTTL); err != nil {
			t.logger.Warn("last seen mirror failed", "user_id", rec.UserID, "error", err)
		}
		cancel()
	}
	return pubsub.PublishJSON(ctx, t.bus, pubsub.PresenceTopic(scope), rec.UserID,
		Change{Scope: scope, Record: rec}, map[string]string{metaOrigin: t.origin})
}
