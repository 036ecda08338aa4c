package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory implements Store in process memory. It backs the dev mode and
// the test suites; transactions roll back by snapshot restore.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

type linkKey struct {
	actorID     uint
	techniqueID uint
}

type memState struct {
	actors       map[uint]Actor
	actorSeq     uint
	techniques   map[uint]Technique
	techniqueSeq uint
	links        map[linkKey]bool
	changes      []ChangeRecord
	changeSeq    uint
	profile      *OrganizationProfile
	settings     *Settings
}

func newMemState() *memState {
	return &memState{
		actors:     make(map[uint]Actor),
		techniques: make(map[uint]Technique),
		links:      make(map[linkKey]bool),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for id, actor := range s.actors {
		c.actors[id] = actor
	}
	c.actorSeq = s.actorSeq
	for id, technique := range s.techniques {
		c.techniques[id] = technique
	}
	c.techniqueSeq = s.techniqueSeq
	for key := range s.links {
		c.links[key] = true
	}
	c.changes = append([]ChangeRecord(nil), s.changes...)
	c.changeSeq = s.changeSeq
	if s.profile != nil {
		profile := *s.profile
		c.profile = &profile
	}
	if s.settings != nil {
		settings := *s.settings
		c.settings = &settings
	}
	return c
}

func (s *memState) getActorByID(id uint) (*Actor, error) {
	actor, ok := s.actors[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &actor, nil
}

func (s *memState) getActorByStixID(stixID string) (*Actor, error) {
	for _, actor := range s.actors {
		if actor.StixID == stixID {
			found := actor
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memState) getActorByName(name string) (*Actor, error) {
	for _, actor := range s.actors {
		if actor.Name == name {
			found := actor
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memState) listActors() []Actor {
	actors := make([]Actor, 0, len(s.actors))
	for _, actor := range s.actors {
		actors = append(actors, actor)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i].Name < actors[j].Name })
	return actors
}

func (s *memState) listActorsByIDs(ids []uint) []Actor {
	var actors []Actor
	for _, id := range ids {
		if actor, ok := s.actors[id]; ok {
			actors = append(actors, actor)
		}
	}
	return actors
}

func (s *memState) createActor(actor *Actor) error {
	s.actorSeq++
	actor.ID = s.actorSeq
	now := time.Now()
	actor.CreatedAt = now
	actor.UpdatedAt = now
	s.actors[actor.ID] = *actor
	return nil
}

func (s *memState) updateActor(actor *Actor) error {
	if _, ok := s.actors[actor.ID]; !ok {
		return ErrNotFound
	}
	actor.UpdatedAt = time.Now()
	s.actors[actor.ID] = *actor
	return nil
}

func (s *memState) getTechniqueByMitreID(mitreID string) (*Technique, error) {
	for _, technique := range s.techniques {
		if technique.MitreID == mitreID {
			found := technique
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memState) listTechniquesByMitreIDs(mitreIDs []string) []Technique {
	wanted := make(map[string]bool, len(mitreIDs))
	for _, id := range mitreIDs {
		wanted[id] = true
	}
	var techniques []Technique
	for _, technique := range s.techniques {
		if wanted[technique.MitreID] {
			techniques = append(techniques, technique)
		}
	}
	return techniques
}

func (s *memState) upsertTechnique(technique *Technique) error {
	for id, existing := range s.techniques {
		if existing.MitreID == technique.MitreID {
			technique.ID = id
			s.techniques[id] = *technique
			return nil
		}
	}
	s.techniqueSeq++
	technique.ID = s.techniqueSeq
	s.techniques[technique.ID] = *technique
	return nil
}

func (s *memState) listTechniquesForActor(actorID uint) []Technique {
	var techniques []Technique
	for key := range s.links {
		if key.actorID == actorID {
			if technique, ok := s.techniques[key.techniqueID]; ok {
				techniques = append(techniques, technique)
			}
		}
	}
	sort.Slice(techniques, func(i, j int) bool { return techniques[i].MitreID < techniques[j].MitreID })
	return techniques
}

func (s *memState) appendChange(record *ChangeRecord) error {
	s.changeSeq++
	record.ID = s.changeSeq
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	s.changes = append(s.changes, *record)
	return nil
}

func (s *memState) listChangesForActor(actorID uint) []ChangeRecord {
	var records []ChangeRecord
	for i := len(s.changes) - 1; i >= 0; i-- {
		if s.changes[i].ActorID == actorID {
			records = append(records, s.changes[i])
		}
	}
	return records
}

func (s *memState) listChanges(limit int) []ChangeRecord {
	var records []ChangeRecord
	for i := len(s.changes) - 1; i >= 0; i-- {
		records = append(records, s.changes[i])
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records
}

// run executes fn under the lock, committing only on success.
func (m *Memory) run(fn func(s *memState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.state)
}

// GetActorByID implements Store.
func (m *Memory) GetActorByID(_ context.Context, id uint) (*Actor, error) {
	var actor *Actor
	err := m.run(func(s *memState) error {
		var err error
		actor, err = s.getActorByID(id)
		return err
	})
	return actor, err
}

// GetActorByStixID implements Store.
func (m *Memory) GetActorByStixID(_ context.Context, stixID string) (*Actor, error) {
	var actor *Actor
	err := m.run(func(s *memState) error {
		var err error
		actor, err = s.getActorByStixID(stixID)
		return err
	})
	return actor, err
}

// GetActorByName implements Store.
func (m *Memory) GetActorByName(_ context.Context, name string) (*Actor, error) {
	var actor *Actor
	err := m.run(func(s *memState) error {
		var err error
		actor, err = s.getActorByName(name)
		return err
	})
	return actor, err
}

// ListActors implements Store.
func (m *Memory) ListActors(_ context.Context) ([]Actor, error) {
	var actors []Actor
	m.run(func(s *memState) error {
		actors = s.listActors()
		return nil
	})
	return actors, nil
}

// ListActorsByIDs implements Store.
func (m *Memory) ListActorsByIDs(_ context.Context, ids []uint) ([]Actor, error) {
	var actors []Actor
	m.run(func(s *memState) error {
		actors = s.listActorsByIDs(ids)
		return nil
	})
	return actors, nil
}

// CreateActor implements Store.
func (m *Memory) CreateActor(_ context.Context, actor *Actor) error {
	return m.run(func(s *memState) error { return s.createActor(actor) })
}

// UpdateActor implements Store.
func (m *Memory) UpdateActor(_ context.Context, actor *Actor) error {
	return m.run(func(s *memState) error { return s.updateActor(actor) })
}

// GetTechniqueByMitreID implements Store.
func (m *Memory) GetTechniqueByMitreID(_ context.Context, mitreID string) (*Technique, error) {
	var technique *Technique
	err := m.run(func(s *memState) error {
		var err error
		technique, err = s.getTechniqueByMitreID(mitreID)
		return err
	})
	return technique, err
}

// ListTechniquesByMitreIDs implements Store.
func (m *Memory) ListTechniquesByMitreIDs(_ context.Context, mitreIDs []string) ([]Technique, error) {
	var techniques []Technique
	m.run(func(s *memState) error {
		techniques = s.listTechniquesByMitreIDs(mitreIDs)
		return nil
	})
	return techniques, nil
}

// UpsertTechnique implements Store.
func (m *Memory) UpsertTechnique(_ context.Context, technique *Technique) error {
	return m.run(func(s *memState) error { return s.upsertTechnique(technique) })
}

// ListTechniquesForActor implements Store.
func (m *Memory) ListTechniquesForActor(_ context.Context, actorID uint) ([]Technique, error) {
	var techniques []Technique
	m.run(func(s *memState) error {
		techniques = s.listTechniquesForActor(actorID)
		return nil
	})
	return techniques, nil
}

// LinkExists implements Store.
func (m *Memory) LinkExists(_ context.Context, actorID, techniqueID uint) (bool, error) {
	var exists bool
	m.run(func(s *memState) error {
		exists = s.links[linkKey{actorID, techniqueID}]
		return nil
	})
	return exists, nil
}

// AddLink implements Store.
func (m *Memory) AddLink(_ context.Context, actorID, techniqueID uint) error {
	return m.run(func(s *memState) error {
		s.links[linkKey{actorID, techniqueID}] = true
		return nil
	})
}

// AppendChange implements Store.
func (m *Memory) AppendChange(_ context.Context, record *ChangeRecord) error {
	return m.run(func(s *memState) error { return s.appendChange(record) })
}

// ListChangesForActor implements Store.
func (m *Memory) ListChangesForActor(_ context.Context, actorID uint) ([]ChangeRecord, error) {
	var records []ChangeRecord
	m.run(func(s *memState) error {
		records = s.listChangesForActor(actorID)
		return nil
	})
	return records, nil
}

// ListChanges implements Store.
func (m *Memory) ListChanges(_ context.Context, limit int) ([]ChangeRecord, error) {
	var records []ChangeRecord
	m.run(func(s *memState) error {
		records = s.listChanges(limit)
		return nil
	})
	return records, nil
}

// GetOrganizationProfile implements Store.
func (m *Memory) GetOrganizationProfile(_ context.Context) (*OrganizationProfile, error) {
	var profile *OrganizationProfile
	err := m.run(func(s *memState) error {
		if s.profile == nil {
			return ErrNotFound
		}
		copied := *s.profile
		profile = &copied
		return nil
	})
	return profile, err
}

// SaveOrganizationProfile implements Store.
func (m *Memory) SaveOrganizationProfile(_ context.Context, profile *OrganizationProfile) error {
	return m.run(func(s *memState) error {
		if profile.ID == 0 {
			profile.ID = 1
		}
		copied := *profile
		s.profile = &copied
		return nil
	})
}

// GetSettings implements Store.
func (m *Memory) GetSettings(_ context.Context) (*Settings, error) {
	var settings *Settings
	err := m.run(func(s *memState) error {
		if s.settings == nil {
			return ErrNotFound
		}
		copied := *s.settings
		settings = &copied
		return nil
	})
	return settings, err
}

// SaveSettings implements Store.
func (m *Memory) SaveSettings(_ context.Context, settings *Settings) error {
	return m.run(func(s *memState) error {
		if settings.ID == 0 {
			settings.ID = 1
		}
		copied := *settings
		s.settings = &copied
		return nil
	})
}

// InTransaction implements Store. The state is snapshotted first and
// restored when fn returns an error.
func (m *Memory) InTransaction(ctx context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&memoryTx{state: m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// memoryTx is the transactional view handed to InTransaction callbacks.
// The outer lock is already held, so it touches the state directly.
type memoryTx struct {
	state *memState
}

func (t *memoryTx) GetActorByID(_ context.Context, id uint) (*Actor, error) {
	return t.state.getActorByID(id)
}

func (t *memoryTx) GetActorByStixID(_ context.Context, stixID string) (*Actor, error) {
	return t.state.getActorByStixID(stixID)
}

func (t *memoryTx) GetActorByName(_ context.Context, name string) (*Actor, error) {
	return t.state.getActorByName(name)
}

func (t *memoryTx) ListActors(_ context.Context) ([]Actor, error) {
	return t.state.listActors(), nil
}

func (t *memoryTx) ListActorsByIDs(_ context.Context, ids []uint) ([]Actor, error) {
	return t.state.listActorsByIDs(ids), nil
}

func (t *memoryTx) CreateActor(_ context.Context, actor *Actor) error {
	return t.state.createActor(actor)
}

func (t *memoryTx) UpdateActor(_ context.Context, actor *Actor) error {
	return t.state.updateActor(actor)
}

func (t *memoryTx) GetTechniqueByMitreID(_ context.Context, mitreID string) (*Technique, error) {
	return t.state.getTechniqueByMitreID(mitreID)
}

func (t *memoryTx) ListTechniquesByMitreIDs(_ context.Context, mitreIDs []string) ([]Technique, error) {
	return t.state.listTechniquesByMitreIDs(mitreIDs), nil
}

func (t *memoryTx) UpsertTechnique(_ context.Context, technique *Technique) error {
	return t.state.upsertTechnique(technique)
}

func (t *memoryTx) ListTechniquesForActor(_ context.Context, actorID uint) ([]Technique, error) {
	return t.state.listTechniquesForActor(actorID), nil
}

func (t *memoryTx) LinkExists(_ context.Context, actorID, techniqueID uint) (bool, error) {
	return t.state.links[linkKey{actorID, techniqueID}], nil
}

func (t *memoryTx) AddLink(_ context.Context, actorID, techniqueID uint) error {
	t.state.links[linkKey{actorID, techniqueID}] = true
	return nil
}

func (t *memoryTx) AppendChange(_ context.Context, record *ChangeRecord) error {
	return t.state.appendChange(record)
}

func (t *memoryTx) ListChangesForActor(_ context.Context, actorID uint) ([]ChangeRecord, error) {
	return t.state.listChangesForActor(actorID), nil
}

func (t *memoryTx) ListChanges(_ context.Context, limit int) ([]ChangeRecord, error) {
	return t.state.listChanges(limit), nil
}

func (t *memoryTx) GetOrganizationProfile(_ context.Context) (*OrganizationProfile, error) {
	if t.state.profile == nil {
		return nil, ErrNotFound
	}
	copied := *t.state.profile
	return &copied, nil
}

func (t *memoryTx) SaveOrganizationProfile(_ context.Context, profile *OrganizationProfile) error {
	if profile.ID == 0 {
		profile.ID = 1
	}
	copied := *profile
	t.state.profile = &copied
	return nil
}

func (t *memoryTx) GetSettings(_ context.Context) (*Settings, error) {
	if t.state.settings == nil {
		return nil, ErrNotFound
	}
	copied := *t.state.settings
	return &copied, nil
}

func (t *memoryTx) SaveSettings(_ context.Context, settings *Settings) error {
	if settings.ID == 0 {
		settings.ID = 1
	}
	copied := *settings
	t.state.settings = &copied
	return nil
}

// InTransaction on a transactional view just runs fn in place. Nested
// transactions share the outer commit or rollback.
func (t *memoryTx) InTransaction(_ context.Context, fn func(tx Store) error) error {
	return fn(t)
}
