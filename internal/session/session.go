// Package session owns the per-channel roleplay session state machine.
//
// The registry is the one shared mutable resource in the process. Each
// channel's state is guarded by its own lock so channels never contend
// with each other; all read-modify-write cycles on one channel are
// serialized through that lock. Callers must never hold a channel lock
// across an external call: snapshot, release, call out, then commit.
package session

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// EndReason records why a session left the active state.
type EndReason string

const (
	EndExplicitExit   EndReason = "explicit_exit"
	EndOOC            EndReason = "ooc"
	EndTechnicalQuery EndReason = "technical_query"
	EndDirective      EndReason = "gm_directive"
	EndIdle           EndReason = "idle_timeout"
)

// State is the roleplay session record for one channel. The zero value
// is an inactive session. Values handed out by the registry are copies;
// mutating them does not affect the registry.
type State struct {
	ChannelID      string
	Active         bool
	Participants   []string // normalized names, insertion order
	StartedAt      time.Time
	LastActivityAt time.Time
	GMMode         bool
	GMContext      string
	EndedReason    EndReason
}

// ExpiredAt reports whether the session has outlived the idle timeout
// at the given instant. Pure: it never mutates state, and calling it
// repeatedly with the same inputs yields the same answer.
func (s State) ExpiredAt(now time.Time, idle time.Duration) bool {
	return s.Active && now.Sub(s.LastActivityAt) > idle
}

// HasParticipant reports whether name is in the participant set.
func (s State) HasParticipant(name string) bool {
	return slices.Contains(s.Participants, name)
}

// entry pairs a channel's state with its lock. The lock serializes all
// read-modify-write cycles for that channel.
type entry struct {
	mu    sync.Mutex
	state State
}

// Registry holds every channel's session state, keyed by channel ID.
// At most one State exists per channel; get-or-create semantics are
// enforced here, never by callers.
type Registry struct {
	mu      sync.Mutex // guards entries map only
	entries map[string]*entry

	idleTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewRegistry creates a session registry with the given idle timeout.
func NewRegistry(idleTimeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:     make(map[string]*entry),
		idleTimeout: idleTimeout,
		now:         time.Now,
		logger:      logger.With("component", "session"),
	}
}

// IdleTimeout returns the configured idle timeout.
func (r *Registry) IdleTimeout() time.Duration {
	return r.idleTimeout
}

// get returns the entry for channelID, creating it if needed.
func (r *Registry) get(channelID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[channelID]
	if !ok {
		e = &entry{state: State{ChannelID: channelID}}
		r.entries[channelID] = e
	}
	return e
}

// WithChannel runs fn with exclusive access to the channel's state.
// Expiry is enforced before fn runs: an active session past its idle
// timeout is terminated first, so fn always observes post-expiry truth.
// fn must not block on external calls; it holds the channel lock.
func (r *Registry) WithChannel(channelID string, fn func(s *State)) {
	e := r.get(channelID)
	e.mu.Lock()
	defer e.mu.Unlock()

	r.expireLocked(e)
	fn(&e.state)
}

// Snapshot returns a copy of the channel's state after lazy expiry.
// The copy's participant slice is detached from registry state.
func (r *Registry) Snapshot(channelID string) State {
	var snap State
	r.WithChannel(channelID, func(s *State) {
		snap = *s
		snap.Participants = slices.Clone(s.Participants)
	})
	return snap
}

// Activate starts a session on the channel. If a session is already
// active it stays active; GM activation upgrades it to GM mode. Returns
// the resulting state.
func (r *Registry) Activate(channelID string, gm bool, gmContext string) State {
	var snap State
	r.WithChannel(channelID, func(s *State) {
		now := r.now()
		if !s.Active {
			s.Active = true
			s.StartedAt = now
			s.Participants = nil
			s.EndedReason = ""
			r.logger.Info("session started", "channel", channelID, "gm", gm)
		}
		if gm {
			s.GMMode = true
			s.GMContext = gmContext
		}
		s.LastActivityAt = now
		snap = *s
		snap.Participants = slices.Clone(s.Participants)
	})
	return snap
}

// Touch refreshes the channel's last-activity timestamp. No-op when the
// session is inactive or already expired.
func (r *Registry) Touch(channelID string) {
	r.WithChannel(channelID, func(s *State) {
		if s.Active {
			s.LastActivityAt = r.now()
		}
	})
}

// AddParticipants merges names into the channel's participant set.
// The set only grows; duplicates are ignored. No-op on an inactive
// session.
func (r *Registry) AddParticipants(channelID string, names []string) {
	if len(names) == 0 {
		return
	}
	r.WithChannel(channelID, func(s *State) {
		if !s.Active {
			return
		}
		for _, n := range names {
			if n == "" || slices.Contains(s.Participants, n) {
				continue
			}
			s.Participants = append(s.Participants, n)
		}
	})
}

// Terminate ends the channel's session. Idempotent: terminating an
// inactive session is a no-op and returns false. Termination clears GM
// mode and participants so nothing carries over into the next session
// on the same channel.
func (r *Registry) Terminate(channelID string, reason EndReason) bool {
	var ended bool
	r.WithChannel(channelID, func(s *State) {
		ended = r.terminateLocked(s, reason)
	})
	return ended
}

// terminateLocked ends a session in place. Caller holds the channel lock.
func (r *Registry) terminateLocked(s *State, reason EndReason) bool {
	if !s.Active {
		return false
	}
	s.Active = false
	s.Participants = nil
	s.GMMode = false
	s.GMContext = ""
	s.EndedReason = reason
	r.logger.Info("session ended", "channel", s.ChannelID, "reason", string(reason))
	return true
}

// expireLocked terminates the session if it is past the idle timeout.
// Caller holds the channel lock.
func (r *Registry) expireLocked(e *entry) bool {
	if !e.state.ExpiredAt(r.now(), r.idleTimeout) {
		return false
	}
	return r.terminateLocked(&e.state, EndIdle)
}

// ExpireIfIdle applies lazy expiry to the channel and reports whether
// the session was terminated by this call. Idempotent.
func (r *Registry) ExpireIfIdle(channelID string) bool {
	e := r.get(channelID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.expireLocked(e)
}

// ActiveSessions returns snapshots of all currently active sessions,
// after lazy expiry. Used by the sweeper and the introspection API.
func (r *Registry) ActiveSessions() []State {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	slices.Sort(ids)

	var out []State
	for _, id := range ids {
		snap := r.Snapshot(id)
		if snap.Active {
			out = append(out, snap)
		}
	}
	return out
}

// channelIDs returns all known channel IDs, active or not.
func (r *Registry) channelIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}
