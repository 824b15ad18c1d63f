package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/locks"
)

// Turn is one entry of a user's conversation history.
type Turn struct {
	Role string    `json:"role"` // "user" or "assistant"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

type timerHandle struct {
	t *time.Timer
}

// session is everything the scheduler tracks for one user. Buffer, timer,
// routing fields and epoch are guarded by mu; turns and turnsEpoch are
// guarded by the reentrant history lock.
//
// A session lives as long as its user is tracked. Resets clear it in place
// and bump epoch, so the flush and history locks stay the same for a flush
// that is still running.
type session struct {
	mu       sync.Mutex
	buffer   []string
	timer    *timerHandle
	channel  string
	chatID   string
	lastSeen time.Time
	epoch    uint64

	flushLock locks.TryLock

	history    *locks.Reentrant
	turns      []Turn
	turnsEpoch uint64
}

type epochKey struct{}

func withEpoch(ctx context.Context, epoch uint64) context.Context {
	return context.WithValue(ctx, epochKey{}, epoch)
}

func (sess *session) currentEpoch() uint64 {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.epoch
}

// syncTurns drops turns recorded before the last reset. Caller holds the
// history lock.
func (sess *session) syncTurns() uint64 {
	epoch := sess.currentEpoch()
	if sess.turnsEpoch != epoch {
		sess.turns = nil
		sess.turnsEpoch = epoch
	}
	return epoch
}

func newSession() *session {
	return &session{
		history:  locks.NewReentrant(),
		lastSeen: time.Now(),
	}
}

// getOrCreate returns or creates the session for userID.
func (s *Scheduler) getOrCreate(userID string) *session {
	s.mu.RLock()
	sess, ok := s.sessions[userID]
	s.mu.RUnlock()

	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if sess, ok := s.sessions[userID]; ok {
		return sess
	}

	sess = newSession()
	s.sessions[userID] = sess

	slog.Debug("scheduler: session created", "user", userID)
	return sess
}

func (s *Scheduler) lookup(userID string) *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[userID]
}

// Pending returns a copy of the user's buffered, not yet flushed messages.
func (s *Scheduler) Pending(userID string) []string {
	sess := s.lookup(userID)
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return append([]string(nil), sess.buffer...)
}

// Flushing reports whether a flush for userID is currently running.
func (s *Scheduler) Flushing(userID string) bool {
	sess := s.lookup(userID)
	return sess != nil && sess.flushLock.Held()
}

// Sessions returns the number of tracked users.
func (s *Scheduler) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// History returns a copy of the user's conversation history. ctx may carry
// a lock owner (see locks.WithOwner); a flush in progress for the same
// owner re-enters, anyone else waits for it.
func (s *Scheduler) History(ctx context.Context, userID string) ([]Turn, error) {
	sess := s.lookup(userID)
	if sess == nil {
		return nil, nil
	}

	var out []Turn
	err := sess.history.Do(locks.WithOwner(ctx), func(context.Context) error {
		sess.syncTurns()
		out = append([]Turn(nil), sess.turns...)
		return nil
	})
	return out, err
}

// AppendHistory records turns for userID, trimming to MaxHistory. Turns
// from a flush that started before the user's last reset are dropped.
func (s *Scheduler) AppendHistory(ctx context.Context, userID string, turns ...Turn) error {
	sess := s.getOrCreate(userID)
	return sess.history.Do(locks.WithOwner(ctx), func(ctx context.Context) error {
		epoch := sess.syncTurns()
		if started, ok := ctx.Value(epochKey{}).(uint64); ok && started != epoch {
			slog.Debug("scheduler: history from before reset dropped", "user", userID)
			return nil
		}
		sess.turns = append(sess.turns, turns...)
		if limit := s.cfg.MaxHistory; limit > 0 && len(sess.turns) > limit {
			sess.turns = append([]Turn(nil), sess.turns[len(sess.turns)-limit:]...)
		}
		return nil
	})
}

// ClearHistory forgets the user's conversation history but keeps any
// buffered messages.
func (s *Scheduler) ClearHistory(ctx context.Context, userID string) error {
	sess := s.lookup(userID)
	if sess == nil {
		return nil
	}
	return sess.history.Do(locks.WithOwner(ctx), func(context.Context) error {
		sess.turns = nil
		return nil
	})
}

// Reset discards everything held for userID: the armed timer, buffered
// messages and history. A flush already running keeps its locks, so the
// user's next burst still waits for it, but its exchange is not recorded.
func (s *Scheduler) Reset(userID string) {
	sess := s.lookup(userID)
	if sess == nil {
		return
	}
	dropped := sess.reset()
	slog.Info("scheduler: session reset", "user", userID, "dropped_pending", dropped)
}

// ResetAll resets every tracked user and returns how many were reset.
func (s *Scheduler) ResetAll() int {
	s.mu.RLock()
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	for _, sess := range all {
		sess.reset()
	}
	slog.Info("scheduler: all sessions reset", "count", len(all))
	return len(all)
}

func (sess *session) reset() int {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.timer != nil {
		sess.timer.t.Stop()
		sess.timer = nil
	}
	n := len(sess.buffer)
	sess.buffer = nil
	sess.epoch++
	return n
}

// prune drops sessions idle for longer than HistoryTTL that have nothing
// buffered, no armed timer and no flush in progress.
func (s *Scheduler) prune(now time.Time) int {
	if s.cfg.HistoryTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-s.cfg.HistoryTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, sess := range s.sessions {
		sess.mu.Lock()
		idle := sess.lastSeen.Before(cutoff) && len(sess.buffer) == 0 && sess.timer == nil
		sess.mu.Unlock()
		if idle && !sess.flushLock.Held() {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}
