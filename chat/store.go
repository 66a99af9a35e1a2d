package chat

import (
	"sort"
	"sync"

	"jobchat/models"
)

// Store holds each job's ordered, deduplicated message log.
// Published slices are never modified in place.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*jobLog
}

type jobLog struct {
	msgs        *state[[]models.ChatMessage]
	byID        map[string]int
	byComposite map[string]int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{jobs: make(map[string]*jobLog)}
}

func (s *Store) logFor(jobID string) *jobLog {
	l, ok := s.jobs[jobID]
	if !ok {
		l = &jobLog{
			msgs:        newState([]models.ChatMessage{}),
			byID:        make(map[string]int),
			byComposite: make(map[string]int),
		}
		s.jobs[jobID] = l
	}
	return l
}

// Observe returns the live message log for jobID, creating an empty one if needed.
func (s *Store) Observe(jobID string) View[[]models.ChatMessage] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logFor(jobID).msgs
}

// Snapshot returns the current messages for jobID.
func (s *Store) Snapshot(jobID string) []models.ChatMessage {
	return s.Observe(jobID).Load()
}

// Append adds m to the end of jobID's log. It returns false when m is
// already present; an id-bearing copy of an id-less entry replaces it in place.
func (s *Store) Append(jobID string, m models.ChatMessage) bool {
	if m.JobID == "" {
		m.JobID = jobID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logFor(jobID)
	cur := l.msgs.Load()

	if m.HasID() {
		if _, ok := l.byID[m.ID]; ok {
			return false
		}
		if i, ok := l.byComposite[m.CompositeKey()]; ok && !cur[i].HasID() {
			next := make([]models.ChatMessage, len(cur))
			copy(next, cur)
			next[i] = m
			l.byID[m.ID] = i
			l.msgs.set(next)
			return false
		}
	} else if _, ok := l.byComposite[m.CompositeKey()]; ok {
		return false
	}

	next := make([]models.ChatMessage, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, m)
	l.index(m, len(next)-1)
	l.msgs.set(next)
	return true
}

// Merge unions history into jobID's log and returns how many entries were
// added. Entries are matched by id, then id-less entries by composite key.
// A matched entry takes the history copy's fields. Nothing already in the
// log is removed; new entries keep history order after the existing ones.
func (s *Store) Merge(jobID string, history []models.ChatMessage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logFor(jobID)
	cur := l.msgs.Load()

	next := make([]models.ChatMessage, len(cur), len(cur)+len(history))
	copy(next, cur)
	added := 0
	for _, h := range history {
		if h.JobID == "" {
			h.JobID = jobID
		}
		if h.HasID() {
			if i, ok := l.byID[h.ID]; ok {
				l.replace(next, i, h)
				continue
			}
			if i, ok := l.byComposite[h.CompositeKey()]; ok && !next[i].HasID() {
				l.replace(next, i, h)
				continue
			}
		} else if _, ok := l.byComposite[h.CompositeKey()]; ok {
			continue
		}
		next = append(next, h)
		l.index(h, len(next)-1)
		added++
	}
	l.msgs.set(next)
	return added
}

// Clear empties jobID's log. Existing views observe the empty log.
func (s *Store) Clear(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.jobs[jobID]
	if !ok {
		return
	}
	l.reset()
}

// ClearAll empties every log.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.jobs {
		l.reset()
	}
}

// Jobs lists the job ids that have a log, sorted.
func (s *Store) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *jobLog) index(m models.ChatMessage, i int) {
	if m.HasID() {
		l.byID[m.ID] = i
	}
	l.byComposite[m.CompositeKey()] = i
}

func (l *jobLog) replace(msgs []models.ChatMessage, i int, m models.ChatMessage) {
	if ck := msgs[i].CompositeKey(); l.byComposite[ck] == i {
		delete(l.byComposite, ck)
	}
	msgs[i] = m
	if m.HasID() {
		l.byID[m.ID] = i
	}
	// An id-less entry keeps its composite key so a later id-bearing copy can upgrade it.
	ck := m.CompositeKey()
	if j, ok := l.byComposite[ck]; !ok || msgs[j].HasID() {
		l.byComposite[ck] = i
	}
}

func (l *jobLog) reset() {
	l.byID = make(map[string]int)
	l.byComposite = make(map[string]int)
	l.msgs.set([]models.ChatMessage{})
}
