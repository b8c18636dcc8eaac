// Package convo holds the per-user conversation state machine and its
// exclusive processing lock. All state is in-memory; a conversation
// absent from the store is equivalent to a freshly-initialized one in
// step idle. A background sweep evicts idle conversations, reclaims
// stale locks, and prunes per-key lock bookkeeping.
package convo

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nmtri/pencraft/internal/pipeline"
)

// Sweep cadence and retention thresholds.
const (
	sweepInterval = 5 * time.Minute
	idleTTL       = time.Hour        // evict conversations inactive this long
	staleLockTTL  = 10 * time.Minute // reclaim locks held this long
	lockEntryTTL  = 5 * time.Minute  // prune unused per-key lock entries
)

// Step is the conversation state machine position. It drives how the
// dialogue controller interprets inbound text.
type Step int

// Conversation steps.
const (
	StepIdle Step = iota
	StepWaitingTopic
	StepWaitingTitleSelection
	StepOutlineGenerated
)

func (s Step) String() string {
	switch s {
	case StepIdle:
		return "idle"
	case StepWaitingTopic:
		return "waiting_topic"
	case StepWaitingTitleSelection:
		return "waiting_title_selection"
	case StepOutlineGenerated:
		return "outline_generated"
	default:
		return "unknown"
	}
}

// Task names the generation stage holding the processing lock.
type Task string

// Lockable tasks.
const (
	TaskTitles  Task = "titles"
	TaskOutline Task = "outline"
	TaskArticle Task = "article"
)

// Key identifies a conversation.
type Key struct {
	UserID string
	ChatID int64
}

// Title is one generated title candidate.
type Title struct {
	Index int
	Text  string
}

// Conversation is the state for one user-chat pair. Values returned by
// the store are copies; mutation goes through Update/UpdateExisting.
type Conversation struct {
	Step            Step
	Topic           string
	SelectedTitle   string
	GeneratedTitles []Title
	Outline         *pipeline.Outline

	IsProcessing   bool
	ProcessingTask Task
	LockAcquiredAt time.Time

	LastActivity time.Time

	// Generation uniquely identifies this incarnation of the
	// conversation. A worker captures it when acquiring the lock; a
	// reset (or eviction plus re-creation) produces a new value, so a
	// stale worker's release or result application is refused instead
	// of resurrecting deleted state.
	Generation uint64
}

// keyLock serializes operations on a single conversation key so that
// unrelated users never block each other. lastUsed drives pruning.
type keyLock struct {
	mu       sync.Mutex
	lastUsed time.Time
}

// Store is the keyed conversation store. All methods are safe for
// concurrent use; operations on the same key serialize through a
// per-key mutex.
type Store struct {
	logger *slog.Logger

	mu      sync.Mutex // guards convos, locks, nextGen
	convos  map[Key]*Conversation
	locks   map[Key]*keyLock
	nextGen uint64
}

// NewStore creates an empty conversation store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger: logger.With("component", "convo"),
		convos: make(map[Key]*Conversation),
		locks:  make(map[Key]*keyLock),
	}
}

// keyLockFor returns the per-key lock entry, creating it if needed, and
// refreshes its lastUsed stamp. Callers lock the returned entry before
// touching the conversation; the global mutex is never held across that
// acquisition.
func (s *Store) keyLockFor(key Key) *keyLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock{}
		s.locks[key] = kl
	}
	kl.lastUsed = time.Now()
	return kl
}

// getOrCreateLocked returns the conversation for key, creating a default
// idle one if absent. Caller must hold the key lock; the global mutex is
// taken internally for map access.
func (s *Store) getOrCreateLocked(key Key) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convos[key]
	if !ok {
		s.nextGen++
		c = &Conversation{
			Step:       StepIdle,
			Generation: s.nextGen,
		}
		s.convos[key] = c
	}
	c.LastActivity = time.Now()
	return c
}

// GetOrCreate returns a copy of the conversation for key, creating a
// fresh idle one if absent. LastActivity is refreshed.
func (s *Store) GetOrCreate(key Key) Conversation {
	kl := s.keyLockFor(key)
	kl.mu.Lock()
	defer kl.mu.Unlock()

	return *s.getOrCreateLocked(key)
}

// Update applies fn to the conversation for key under the per-key lock,
// creating the conversation first if absent. LastActivity is refreshed.
func (s *Store) Update(key Key, fn func(*Conversation)) {
	kl := s.keyLockFor(key)
	kl.mu.Lock()
	defer kl.mu.Unlock()

	fn(s.getOrCreateLocked(key))
}

// UpdateExisting applies fn only if the conversation still exists with
// the given generation. Returns false otherwise. Workers applying
// results after a potentially long model call use this so a reset
// conversation is not resurrected.
func (s *Store) UpdateExisting(key Key, gen uint64, fn func(*Conversation)) bool {
	kl := s.keyLockFor(key)
	kl.mu.Lock()
	defer kl.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convos[key]
	if !ok || c.Generation != gen {
		return false
	}
	c.LastActivity = time.Now()
	fn(c)
	return true
}

// TryAcquireLock atomically claims the processing lock for key. Exactly
// one concurrent caller wins until a matching ReleaseLock (or stale-lock
// reclamation). On success it returns the conversation generation, which
// the worker passes back to ReleaseLock and UpdateExisting.
func (s *Store) TryAcquireLock(key Key, task Task) (uint64, bool) {
	kl := s.keyLockFor(key)
	kl.mu.Lock()
	defer kl.mu.Unlock()

	c := s.getOrCreateLocked(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if c.IsProcessing {
		return 0, false
	}
	c.IsProcessing = true
	c.ProcessingTask = task
	c.LockAcquiredAt = time.Now()
	return c.Generation, true
}

// ReleaseLock clears the processing fields if the conversation still
// exists with the given generation. Idempotent: releasing an already
// released or vanished conversation is a no-op. The generation check
// stops a worker that outlived a reset from clearing a lock now owned
// by a successor conversation.
func (s *Store) ReleaseLock(key Key, gen uint64) {
	kl := s.keyLockFor(key)
	kl.mu.Lock()
	defer kl.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convos[key]
	if !ok || c.Generation != gen {
		return
	}
	c.IsProcessing = false
	c.ProcessingTask = ""
	c.LockAcquiredAt = time.Time{}
}

// Processing reports whether the conversation holds the lock and for
// which task. Used to phrase "already processing" replies.
func (s *Store) Processing(key Key) (Task, bool) {
	kl := s.keyLockFor(key)
	kl.mu.Lock()
	defer kl.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convos[key]
	if !ok || !c.IsProcessing {
		return "", false
	}
	return c.ProcessingTask, true
}

// Reset deletes the conversation, returning the key to the absent/idle
// baseline. Any held lock disappears with the entry.
func (s *Store) Reset(key Key) {
	kl := s.keyLockFor(key)
	kl.mu.Lock()
	defer kl.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convos, key)
}

// Count returns the number of live conversations.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convos)
}

// RunSweeper evicts idle conversations, reclaims stale locks, and
// prunes lock bookkeeping on a fixed interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(time.Now())
		}
	}
}

// sweepOnce performs a single maintenance pass relative to now.
func (s *Store) sweepOnce(now time.Time) {
	// Snapshot keys first; each entry is then handled under its own
	// key lock like any other mutation.
	s.mu.Lock()
	keys := make([]Key, 0, len(s.convos))
	for k := range s.convos {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	var evicted, reclaimed int
	for _, key := range keys {
		kl := s.keyLockFor(key)
		kl.mu.Lock()

		s.mu.Lock()
		c, ok := s.convos[key]
		if !ok {
			s.mu.Unlock()
			kl.mu.Unlock()
			continue
		}

		if now.Sub(c.LastActivity) > idleTTL {
			delete(s.convos, key)
			evicted++
			s.mu.Unlock()
			kl.mu.Unlock()
			continue
		}

		if c.IsProcessing && now.Sub(c.LockAcquiredAt) > staleLockTTL {
			s.logger.Warn("reclaiming stale processing lock",
				"user_id", key.UserID,
				"chat_id", key.ChatID,
				"task", string(c.ProcessingTask),
				"held_for", now.Sub(c.LockAcquiredAt),
			)
			c.IsProcessing = false
			c.ProcessingTask = ""
			c.LockAcquiredAt = time.Time{}
			reclaimed++
		}
		s.mu.Unlock()
		kl.mu.Unlock()
	}

	// Prune lock bookkeeping for keys idle beyond lockEntryTTL. TryLock
	// guards against deleting an entry some goroutine is still holding.
	s.mu.Lock()
	for key, kl := range s.locks {
		if now.Sub(kl.lastUsed) <= lockEntryTTL {
			continue
		}
		if _, live := s.convos[key]; live {
			continue
		}
		if kl.mu.TryLock() {
			kl.mu.Unlock()
			delete(s.locks, key)
		}
	}
	live := len(s.convos)
	s.mu.Unlock()

	if evicted > 0 || reclaimed > 0 {
		s.logger.Info("sweep complete",
			"evicted", evicted,
			"locks_reclaimed", reclaimed,
			"live", live,
		)
	}
}
