package notifications

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"bouncelink/internal/eventbus"
	"bouncelink/internal/wire"
	logx "bouncelink/pkg/logx"

	"github.com/google/uuid"
)

// DefaultLimit is the number of notifications kept before the oldest are
// evicted.
const DefaultLimit = 100

// Notification is one entry of the client-side history.
type Notification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	IsRead    bool            `json:"isRead"`
	Priority  wire.Priority   `json:"priority"`
}

// Change is published on the bus after every mutation.
type Change struct {
	Op     string `json:"op"`
	ID     string `json:"id,omitempty"`
	Unread int    `json:"unread"`
	Len    int    `json:"len"`
}

// Mutation names carried by Change.Op.
const (
	OpAdd         = "add"
	OpMarkRead    = "mark_read"
	OpMarkAllRead = "mark_all_read"
	OpRemove      = "remove"
	OpClear       = "clear"
	OpMerge       = "merge"
)

// Store holds notifications most recent first. Every method is atomic with
// respect to the others.
type Store struct {
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	newID func() string
	limit int

	mu     sync.RWMutex
	items  []Notification
	ids    map[string]struct{}
	unread int
}

type Option func(*Store)

func WithLogger(l logx.Logger) Option { return func(s *Store) { s.log = l } }

// WithBus publishes Change events on b.
func WithBus(b eventbus.Bus) Option { return func(s *Store) { s.bus = b } }

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(f func() string) Option {
	return func(s *Store) {
		if f != nil {
			s.newID = f
		}
	}
}

func WithLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.limit = n
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		now:   time.Now,
		newID: uuid.NewString,
		limit: DefaultLimit,
		ids:   map[string]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// NormalizeID trims id and maps the placeholder values some producers send
// for a missing id to "".
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	switch id {
	case "undefined", "null":
		return ""
	}
	return id
}

// Add inserts n as a fresh unread notification stamped with the current
// time. A missing id is generated. It returns the stored entry and false
// when an entry with the same id already exists.
func (s *Store) Add(n Notification) (Notification, bool) {
	n.ID = NormalizeID(n.ID)
	if n.ID == "" {
		n.ID = s.newID()
	}
	n.IsRead = false
	n.Timestamp = s.now()
	n.Priority = wire.ParsePriority(string(n.Priority))

	s.mu.Lock()
	if _, dup := s.ids[n.ID]; dup {
		s.mu.Unlock()
		s.log.Debug("duplicate notification ignored", logx.String("id", n.ID), logx.String("type", n.Type))
		return n, false
	}
	s.items = append(s.items, Notification{})
	copy(s.items[1:], s.items[:len(s.items)-1])
	s.items[0] = n
	s.ids[n.ID] = struct{}{}
	evicted := s.trimLocked()
	ch := s.commitLocked(OpAdd, n.ID)
	s.mu.Unlock()

	if evicted > 0 {
		s.log.Debug("notifications evicted", logx.Int("count", evicted))
	}
	s.publish(ch)
	return n, true
}

// MarkRead flips id to read. It reports whether anything changed; unknown
// ids and entries already read are no-ops.
func (s *Store) MarkRead(id string) bool {
	id = NormalizeID(id)
	s.mu.Lock()
	changed := s.markReadLocked(id)
	if !changed {
		s.mu.Unlock()
		return false
	}
	ch := s.commitLocked(OpMarkRead, id)
	s.mu.Unlock()
	s.publish(ch)
	return true
}

func (s *Store) markReadLocked(id string) bool {
	if _, ok := s.ids[id]; !ok {
		return false
	}
	for i := range s.items {
		if s.items[i].ID == id {
			if s.items[i].IsRead {
				return false
			}
			s.items[i].IsRead = true
			return true
		}
	}
	return false
}

// MarkAllRead marks every entry read and returns how many flipped.
func (s *Store) MarkAllRead() int {
	s.mu.Lock()
	n := 0
	for i := range s.items {
		if !s.items[i].IsRead {
			s.items[i].IsRead = true
			n++
		}
	}
	ch := s.commitLocked(OpMarkAllRead, "")
	s.mu.Unlock()
	if n > 0 {
		s.publish(ch)
	}
	return n
}

// Remove deletes id and reports whether it existed.
func (s *Store) Remove(id string) bool {
	id = NormalizeID(id)
	s.mu.Lock()
	if _, ok := s.ids[id]; !ok {
		s.mu.Unlock()
		return false
	}
	for i := range s.items {
		if s.items[i].ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	delete(s.ids, id)
	ch := s.commitLocked(OpRemove, id)
	s.mu.Unlock()
	s.publish(ch)
	return true
}

// Clear empties the store and returns how many entries were dropped.
func (s *Store) Clear() int {
	s.mu.Lock()
	n := len(s.items)
	s.items = nil
	s.ids = map[string]struct{}{}
	ch := s.commitLocked(OpClear, "")
	s.mu.Unlock()
	s.publish(ch)
	return n
}

// Merge folds notifications fetched from the server or restored from disk
// into the store. Unlike Add it keeps their IsRead and Timestamp. The first
// insertion of an id wins; for known ids only a server-side read flag is
// applied, through the same path as MarkRead. The result is re-sorted by
// timestamp and trimmed. Merge returns how many entries were inserted.
func (s *Store) Merge(batch []Notification) int {
	if len(batch) == 0 {
		return 0
	}
	s.mu.Lock()
	added, flipped := 0, 0
	for _, n := range batch {
		n.ID = NormalizeID(n.ID)
		if n.ID == "" {
			n.ID = s.newID()
		}
		if _, ok := s.ids[n.ID]; ok {
			if n.IsRead && s.markReadLocked(n.ID) {
				flipped++
			}
			continue
		}
		if n.Timestamp.IsZero() {
			n.Timestamp = s.now()
		}
		n.Priority = wire.ParsePriority(string(n.Priority))
		s.items = append(s.items, n)
		s.ids[n.ID] = struct{}{}
		added++
	}
	if added == 0 && flipped == 0 {
		s.mu.Unlock()
		return 0
	}
	sort.SliceStable(s.items, func(i, j int) bool {
		return s.items[i].Timestamp.After(s.items[j].Timestamp)
	})
	s.trimLocked()
	ch := s.commitLocked(OpMerge, "")
	s.mu.Unlock()
	s.publish(ch)
	return added
}

// trimLocked drops entries beyond the limit from the tail.
func (s *Store) trimLocked() int {
	if len(s.items) <= s.limit {
		return 0
	}
	drop := s.items[s.limit:]
	for _, n := range drop {
		delete(s.ids, n.ID)
	}
	evicted := len(drop)
	s.items = s.items[:s.limit:s.limit]
	return evicted
}

// commitLocked recounts unread entries and builds the change event.
func (s *Store) commitLocked(op, id string) Change {
	unread := 0
	for i := range s.items {
		if !s.items[i].IsRead {
			unread++
		}
	}
	s.unread = unread
	return Change{Op: op, ID: id, Unread: unread, Len: len(s.items)}
}

func (s *Store) publish(ch Change) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TopicNotificationsChanged, Data: ch})
}

func (s *Store) Get(id string) (Notification, bool) {
	id = NormalizeID(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.items {
		if n.ID == id {
			return n, true
		}
	}
	return Notification{}, false
}

// List returns a most-recent-first copy.
func (s *Store) List() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Notification(nil), s.items...)
}

// Recent returns at most n entries, most recent first.
func (s *Store) Recent(n int) []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.items) {
		n = len(s.items)
	}
	return append([]Notification(nil), s.items[:n]...)
}

func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
