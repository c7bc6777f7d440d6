package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ignatij/goapprove/pkg/models"
	"github.com/pkg/errors"
)

// memoryState is one consistent snapshot of every table.
type memoryState struct {
	principals    map[int64]models.Principal
	templates     map[int64]models.ChainTemplate
	documents     map[int64]models.Document
	steps         map[int64]models.Step
	notifications map[int64]models.Notification
	lastID        int64
}

func newMemoryState() *memoryState {
	return &memoryState{
		principals:    make(map[int64]models.Principal),
		templates:     make(map[int64]models.ChainTemplate),
		documents:     make(map[int64]models.Document),
		steps:         make(map[int64]models.Step),
		notifications: make(map[int64]models.Notification),
	}
}

// clone copies the maps; records are values and their pointer fields are only ever replaced, never mutated.
func (st *memoryState) clone() *memoryState {
	c := &memoryState{
		principals:    make(map[int64]models.Principal, len(st.principals)),
		templates:     make(map[int64]models.ChainTemplate, len(st.templates)),
		documents:     make(map[int64]models.Document, len(st.documents)),
		steps:         make(map[int64]models.Step, len(st.steps)),
		notifications: make(map[int64]models.Notification, len(st.notifications)),
		lastID:        st.lastID,
	}
	for k, v := range st.principals {
		c.principals[k] = v
	}
	for k, v := range st.templates {
		c.templates[k] = v
	}
	for k, v := range st.documents {
		c.documents[k] = v
	}
	for k, v := range st.steps {
		c.steps[k] = v
	}
	for k, v := range st.notifications {
		c.notifications[k] = v
	}
	return c
}

func (st *memoryState) nextID() int64 {
	st.lastID++
	return st.lastID
}

type memoryDB struct {
	mu    sync.RWMutex
	state *memoryState
}

// memoryStore implements Store in memory.
// A transaction holds the write lock from Begin until Commit or Rollback and works on a private
// snapshot, so transactions are serialised and a rolled back one leaves no trace.
type memoryStore struct {
	db   *memoryDB
	tx   *memoryState // nil outside a transaction
	done bool
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{db: &memoryDB{state: newMemoryState()}}
}

func (m *memoryStore) read(fn func(st *memoryState) error) error {
	if m.tx != nil {
		if m.done {
			return ErrTxDone
		}
		return fn(m.tx)
	}
	m.db.mu.RLock()
	defer m.db.mu.RUnlock()
	return fn(m.db.state)
}

func (m *memoryStore) write(fn func(st *memoryState) error) error {
	if m.tx != nil {
		if m.done {
			return ErrTxDone
		}
		return fn(m.tx)
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return fn(m.db.state)
}

func (m *memoryStore) Begin(ctx context.Context) (Store, error) {
	if m.tx != nil {
		return nil, errors.New("nested transactions are not supported")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.db.mu.Lock()
	return &memoryStore{db: m.db, tx: m.db.state.clone()}, nil
}

func (m *memoryStore) Commit() error {
	if m.tx == nil {
		return errors.New("cannot commit: not a transaction")
	}
	if m.done {
		return ErrTxDone
	}
	m.db.state = m.tx
	m.done = true
	m.db.mu.Unlock()
	return nil
}

func (m *memoryStore) Rollback() error {
	if m.tx == nil {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.done {
		return ErrTxDone
	}
	m.done = true
	m.db.mu.Unlock()
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) SavePrincipal(_ context.Context, p models.Principal) (int64, error) {
	err := m.write(func(st *memoryState) error {
		if p.Status == "" {
			p.Status = models.ActivePrincipalStatus
		}
		if p.ID == 0 {
			p.ID = st.nextID()
		} else if p.ID > st.lastID {
			st.lastID = p.ID
		}
		st.principals[p.ID] = p
		return nil
	})
	return p.ID, err
}

func (m *memoryStore) GetPrincipal(_ context.Context, id int64) (models.Principal, error) {
	var p models.Principal
	err := m.read(func(st *memoryState) error {
		var ok bool
		if p, ok = st.principals[id]; !ok {
			return ErrNotFound
		}
		return nil
	})
	return p, err
}

func (m *memoryStore) ListEligiblePrincipals(_ context.Context, minLevel int) ([]models.Principal, error) {
	var out []models.Principal
	err := m.read(func(st *memoryState) error {
		for _, p := range st.principals {
			if p.Status == models.ActivePrincipalStatus && p.RankLevel >= minLevel {
				out = append(out, p)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].RankLevel != out[j].RankLevel {
			return out[i].RankLevel < out[j].RankLevel
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (m *memoryStore) SaveTemplate(_ context.Context, t models.ChainTemplate) (int64, error) {
	err := m.write(func(st *memoryState) error {
		for id, existing := range st.templates {
			if existing.Code == t.Code {
				t.ID = id
				st.templates[id] = t
				return nil
			}
		}
		t.ID = st.nextID()
		st.templates[t.ID] = t
		return nil
	})
	return t.ID, err
}

func (m *memoryStore) GetTemplate(_ context.Context, id int64) (models.ChainTemplate, error) {
	var t models.ChainTemplate
	err := m.read(func(st *memoryState) error {
		var ok bool
		if t, ok = st.templates[id]; !ok {
			return ErrNotFound
		}
		return nil
	})
	return t, err
}

func (m *memoryStore) ListTemplates(_ context.Context, activeOnly bool) ([]models.ChainTemplate, error) {
	templates := []models.ChainTemplate{}
	err := m.read(func(st *memoryState) error {
		for _, t := range st.templates {
			if activeOnly && !t.IsActive {
				continue
			}
			templates = append(templates, t)
		}
		return nil
	})
	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })
	return templates, err
}

func (m *memoryStore) CountDocumentsByCodePrefix(_ context.Context, prefix string) (int, error) {
	count := 0
	err := m.read(func(st *memoryState) error {
		for _, d := range st.documents {
			if strings.HasPrefix(d.Code, prefix) {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (m *memoryStore) SaveDocument(_ context.Context, d models.Document) (int64, error) {
	err := m.write(func(st *memoryState) error {
		for _, existing := range st.documents {
			if existing.Code == d.Code {
				return ErrDuplicateCode
			}
		}
		d.ID = st.nextID()
		d.Steps = nil
		st.documents[d.ID] = d
		return nil
	})
	if err != nil {
		return 0, err
	}
	return d.ID, nil
}

func (m *memoryStore) GetDocument(_ context.Context, id int64) (models.Document, error) {
	var d models.Document
	err := m.read(func(st *memoryState) error {
		var ok bool
		if d, ok = st.documents[id]; !ok {
			return ErrNotFound
		}
		return nil
	})
	return d, err
}

// LockDocument is GetDocument: a transaction already holds the store exclusively.
func (m *memoryStore) LockDocument(ctx context.Context, id int64) (models.Document, error) {
	return m.GetDocument(ctx, id)
}

func (m *memoryStore) AdvanceDocument(_ context.Context, id int64, position int) error {
	return m.write(func(st *memoryState) error {
		d, ok := st.documents[id]
		if !ok {
			return ErrNotFound
		}
		d.CurrentPosition = position
		st.documents[id] = d
		return nil
	})
}

func (m *memoryStore) CompleteDocument(_ context.Context, id int64, status models.DocumentStatus, completedAt time.Time) error {
	return m.write(func(st *memoryState) error {
		d, ok := st.documents[id]
		if !ok {
			return ErrNotFound
		}
		d.Status = status
		d.CompletedAt = &completedAt
		st.documents[id] = d
		return nil
	})
}

func (m *memoryStore) SaveStep(_ context.Context, s models.Step) (int64, error) {
	err := m.write(func(st *memoryState) error {
		if _, ok := st.documents[s.DocumentID]; !ok {
			return errors.Wrapf(ErrNotFound, "document %d", s.DocumentID)
		}
		for _, existing := range st.steps {
			if existing.DocumentID != s.DocumentID {
				continue
			}
			if existing.Position == s.Position {
				return errors.Errorf("step at position %d already exists", s.Position)
			}
			if existing.IsActive && s.IsActive {
				return errors.New("document already has an active step")
			}
		}
		s.ID = st.nextID()
		st.steps[s.ID] = s
		return nil
	})
	if err != nil {
		return 0, err
	}
	return s.ID, nil
}

func (m *memoryStore) ListSteps(_ context.Context, documentID int64) ([]models.Step, error) {
	steps := []models.Step{}
	err := m.read(func(st *memoryState) error {
		for _, s := range st.steps {
			if s.DocumentID == documentID {
				steps = append(steps, s)
			}
		}
		return nil
	})
	sort.Slice(steps, func(i, j int) bool { return steps[i].Position < steps[j].Position })
	return steps, err
}

func (m *memoryStore) DecideActiveStep(_ context.Context, documentID, approverID int64, decision models.Decision, comment string, decidedAt time.Time) (models.Step, error) {
	var decided models.Step
	err := m.write(func(st *memoryState) error {
		for id, s := range st.steps {
			if s.DocumentID != documentID || !s.IsActive || s.Decided() {
				continue
			}
			if s.ApproverID == nil || *s.ApproverID != approverID {
				return ErrNotFound
			}
			d := decision
			at := decidedAt
			s.Decision = &d
			s.Comment = comment
			s.DecidedAt = &at
			s.IsActive = false
			st.steps[id] = s
			decided = s
			return nil
		}
		return ErrNotFound
	})
	return decided, err
}

func (m *memoryStore) ActivateStep(_ context.Context, documentID int64, position int) (models.Step, error) {
	var activated models.Step
	err := m.write(func(st *memoryState) error {
		var targetID int64
		for id, s := range st.steps {
			if s.DocumentID != documentID {
				continue
			}
			if s.IsActive {
				return errors.New("document already has an active step")
			}
			if s.Position == position {
				targetID = id
			}
		}
		if targetID == 0 {
			return ErrNotFound
		}
		s := st.steps[targetID]
		s.IsActive = true
		st.steps[targetID] = s
		activated = s
		return nil
	})
	return activated, err
}

func (m *memoryStore) SaveNotification(_ context.Context, n models.Notification) (int64, error) {
	err := m.write(func(st *memoryState) error {
		n.ID = st.nextID()
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now()
		}
		st.notifications[n.ID] = n
		return nil
	})
	return n.ID, err
}

func (m *memoryStore) GetNotification(_ context.Context, id int64) (models.Notification, error) {
	var n models.Notification
	err := m.read(func(st *memoryState) error {
		var ok bool
		if n, ok = st.notifications[id]; !ok {
			return ErrNotFound
		}
		return nil
	})
	return n, err
}

func (m *memoryStore) ListNotifications(_ context.Context, principalID int64, unreadOnly bool) ([]models.Notification, error) {
	notifications := []models.Notification{}
	err := m.read(func(st *memoryState) error {
		for _, n := range st.notifications {
			if n.PrincipalID != principalID || (unreadOnly && n.IsRead) {
				continue
			}
			notifications = append(notifications, n)
		}
		return nil
	})
	// newest first, like the SQL store
	sort.Slice(notifications, func(i, j int) bool { return notifications[i].ID > notifications[j].ID })
	return notifications, err
}

func (m *memoryStore) ListUndelivered(_ context.Context, limit int) ([]models.Notification, error) {
	notifications := []models.Notification{}
	err := m.read(func(st *memoryState) error {
		for _, n := range st.notifications {
			if n.PushedAt == nil {
				notifications = append(notifications, n)
			}
		}
		return nil
	})
	sort.Slice(notifications, func(i, j int) bool { return notifications[i].ID < notifications[j].ID })
	if limit > 0 && len(notifications) > limit {
		notifications = notifications[:limit]
	}
	return notifications, err
}

func (m *memoryStore) CountUnread(_ context.Context, principalID int64) (int, error) {
	count := 0
	err := m.read(func(st *memoryState) error {
		for _, n := range st.notifications {
			if n.PrincipalID == principalID && !n.IsRead {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (m *memoryStore) MarkNotificationRead(_ context.Context, id, principalID int64) error {
	return m.write(func(st *memoryState) error {
		n, ok := st.notifications[id]
		if !ok || n.PrincipalID != principalID {
			return ErrNotFound
		}
		n.IsRead = true
		st.notifications[id] = n
		return nil
	})
}

func (m *memoryStore) MarkAllNotificationsRead(_ context.Context, principalID int64) (int64, error) {
	var updated int64
	err := m.write(func(st *memoryState) error {
		for id, n := range st.notifications {
			if n.PrincipalID == principalID && !n.IsRead {
				n.IsRead = true
				st.notifications[id] = n
				updated++
			}
		}
		return nil
	})
	return updated, err
}

func (m *memoryStore) RecordPush(_ context.Context, id int64, pushedAt *time.Time, pushErr string) error {
	return m.write(func(st *memoryState) error {
		n, ok := st.notifications[id]
		if !ok {
			return ErrNotFound
		}
		if pushedAt != nil {
			n.PushedAt = pushedAt
		}
		n.PushError = pushErr
		st.notifications[id] = n
		return nil
	})
}

var _ Store = (*memoryStore)(nil)
