package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vexly/botmanager/internal/meeting/models"
	"github.com/vexly/botmanager/internal/meeting/status"
)

// MemoryStore implements Store in process memory. It mirrors the SQL store's
// semantics, including the JSON round-trip of the metadata bag, so service
// tests exercise the same decoded shapes the database produces.
type MemoryStore struct {
	mu       sync.Mutex
	meetings map[string]*models.Meeting
	sessions map[string][]models.MeetingSession // keyed by meeting id, insertion order
	uids     map[string]bool                    // global session uid uniqueness
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meetings: make(map[string]*models.Meeting),
		sessions: make(map[string][]models.MeetingSession),
		uids:     make(map[string]bool),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// cloneMeeting deep-copies a row through JSON, matching what a database
// read would decode (lists become []any).
func cloneMeeting(m *models.Meeting) *models.Meeting {
	encoded, _ := json.Marshal(m)
	out := &models.Meeting{}
	_ = json.Unmarshal(encoded, out)
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	return out
}

// CreateMeeting inserts a new REQUESTED row under the uniqueness invariant.
func (s *MemoryStore) CreateMeeting(_ context.Context, m *models.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.meetings {
		if existing.UserID == m.UserID &&
			existing.Platform == m.Platform &&
			existing.PlatformSpecificID == m.PlatformSpecificID &&
			status.IsActive(existing.Status) {
			return ErrConflict
		}
	}

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Status == "" {
		m.Status = status.Requested
	}
	if m.Data == nil {
		m.Data = map[string]any{}
	}
	m.CreatedAt = time.Now().UTC()

	s.meetings[m.ID] = cloneMeeting(m)
	return nil
}

// Get returns a meeting by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMeeting(m), nil
}

// FindLatest returns the most recent meeting for the tuple.
func (s *MemoryStore) FindLatest(_ context.Context, userID string, platform models.Platform, nativeID string) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []*models.Meeting
	for _, m := range s.meetings {
		if m.UserID == userID && m.Platform == platform && m.PlatformSpecificID == nativeID {
			matches = append(matches, m)
		}
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID > matches[j].ID
	})
	return cloneMeeting(matches[0]), nil
}

// FindBySessionUID resolves a meeting through its session rows.
func (s *MemoryStore) FindBySessionUID(_ context.Context, sessionUID string) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for meetingID, sessions := range s.sessions {
		for _, session := range sessions {
			if session.SessionUID == sessionUID {
				if m, ok := s.meetings[meetingID]; ok {
					return cloneMeeting(m), nil
				}
				return nil, ErrNotFound
			}
		}
	}
	return nil, ErrNotFound
}

// ApplyTransition validates and applies a single status transition.
func (s *MemoryStore) ApplyTransition(_ context.Context, meetingID string, target status.Status, opts TransitionOptions) (*models.Meeting, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[meetingID]
	if !ok {
		return nil, false, ErrNotFound
	}

	if !status.CanTransition(m.Status, target) {
		return cloneMeeting(m), false, nil
	}

	data := m.CloneData()

	transitions := m.Transitions()
	if legacy, ok := data[models.DataKeyTransitionsDeprecated]; ok {
		if legacyList, ok := legacy.([]any); ok {
			for _, item := range legacyList {
				if entry, ok := item.(map[string]any); ok {
					transitions = append(transitions, entry)
				}
			}
		}
		delete(data, models.DataKeyTransitionsDeprecated)
	}
	transitions = append(transitions, status.NewTransitionEntry(m.Status, target, opts.Metadata))
	data[models.DataKeyTransitions] = transitions

	if opts.SetStopRequested {
		data[models.DataKeyStopRequested] = true
	}
	if opts.LastError != nil {
		data[models.DataKeyLastError] = opts.LastError
	}

	now := time.Now().UTC()
	m.Status = target
	m.Data = data
	if target == status.Active && m.StartTime == nil {
		m.StartTime = &now
	}
	if status.IsTerminal(target) {
		m.EndTime = &now
	}
	if opts.RebindContainerID != nil {
		m.BotContainerID = opts.RebindContainerID
	}

	s.meetings[meetingID] = cloneMeeting(m)
	return cloneMeeting(m), true, nil
}

// SetBotContainerID persists the runtime handle.
func (s *MemoryStore) SetBotContainerID(_ context.Context, meetingID, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[meetingID]
	if !ok {
		return ErrNotFound
	}
	m.BotContainerID = &containerID
	return nil
}

// SetStopRequested sets the stop latch.
func (s *MemoryStore) SetStopRequested(_ context.Context, meetingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[meetingID]
	if !ok {
		return ErrNotFound
	}
	data := m.CloneData()
	data[models.DataKeyStopRequested] = true
	m.Data = data
	return nil
}

// CountActiveForUser counts the user's meetings in the active set.
func (s *MemoryStore) CountActiveForUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, m := range s.meetings {
		if m.UserID == userID && status.IsActive(m.Status) {
			count++
		}
	}
	return count, nil
}

// RecordSessionStart appends a session row; duplicates are ignored.
func (s *MemoryStore) RecordSessionStart(_ context.Context, meetingID, sessionUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range s.sessions[meetingID] {
		if session.SessionUID == sessionUID {
			return nil
		}
	}
	if s.uids[sessionUID] {
		return nil
	}
	s.uids[sessionUID] = true
	s.sessions[meetingID] = append(s.sessions[meetingID], models.MeetingSession{
		MeetingID:        meetingID,
		SessionUID:       sessionUID,
		SessionStartTime: time.Now().UTC(),
	})
	return nil
}

// EarliestSessionUID returns the first recorded session uid.
func (s *MemoryStore) EarliestSessionUID(_ context.Context, meetingID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := s.sessions[meetingID]
	if len(sessions) == 0 {
		return "", ErrNotFound
	}
	return sessions[0].SessionUID, nil
}

// LatestSessionUID returns the most recently recorded session uid.
func (s *MemoryStore) LatestSessionUID(_ context.Context, meetingID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := s.sessions[meetingID]
	if len(sessions) == 0 {
		return "", ErrNotFound
	}
	return sessions[len(sessions)-1].SessionUID, nil
}
