package mockserver

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Record is a backend record. It always carries a string "id" field.
type Record map[string]any

// ID returns the record id.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

func (r Record) str(key string) string {
	v, _ := r[key].(string)
	return v
}

// Query selects a page of a collection.
type Query struct {
	Page      int
	PageCount int

	ID           string
	Name         string
	Type         string
	Organization string
}

func (q Query) matches(r Record) bool {
	if q.ID != "" && r.ID() != q.ID {
		return false
	}
	if q.Type != "" && r.str("type") != q.Type {
		return false
	}
	if q.Organization != "" && r.str("organization") != q.Organization {
		return false
	}
	if q.Name != "" {
		name := strings.ToLower(q.Name)
		if !strings.Contains(strings.ToLower(r.str("name")), name) &&
			!strings.Contains(strings.ToLower(r.str("username")), name) {
			return false
		}
	}
	return true
}

// Backend is an in-memory collection store keyed by entity kind. It is safe
// for concurrent use.
type Backend struct {
	secretFields map[string]string

	mu          sync.RWMutex
	collections map[string][]Record
}

// NewBackend creates an empty backend. secretFields maps an entity kind to
// the response field that carries a generated secret on create.
func NewBackend(secretFields map[string]string) *Backend {
	if secretFields == nil {
		secretFields = map[string]string{}
	}
	return &Backend{
		secretFields: secretFields,
		collections:  make(map[string][]Record),
	}
}

// Seed replaces the records of an entity. Records without an id get one.
func (b *Backend) Seed(entity string, records []Record) {
	copied := make([]Record, 0, len(records))
	for _, r := range records {
		c := cloneRecord(r)
		if c.ID() == "" {
			c["id"] = newID()
		}
		copied = append(copied, c)
	}

	b.mu.Lock()
	b.collections[entity] = copied
	b.mu.Unlock()
}

// List returns the requested page and the number of matching records.
func (b *Backend) List(entity string, q Query) ([]Record, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []Record
	for _, r := range b.collections[entity] {
		if q.matches(r) {
			matched = append(matched, r)
		}
	}
	count := len(matched)

	pageCount := q.PageCount
	if pageCount <= 0 {
		pageCount = count
	}
	start := q.Page * pageCount
	if q.Page < 0 || start >= count {
		return []Record{}, count
	}
	end := min(start+pageCount, count)

	page := make([]Record, 0, end-start)
	for _, r := range matched[start:end] {
		page = append(page, cloneRecord(r))
	}
	return page, count
}

// Get returns one record.
func (b *Backend) Get(entity, id string) (Record, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	i := b.index(entity, id)
	if i < 0 {
		return nil, false
	}
	return cloneRecord(b.collections[entity][i]), true
}

// Count returns the size of a collection.
func (b *Backend) Count(entity string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.collections[entity])
}

// Entities returns the seeded entity kinds in sorted order.
func (b *Backend) Entities() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entities := make([]string, 0, len(b.collections))
	for entity := range b.collections {
		entities = append(entities, entity)
	}
	sort.Strings(entities)
	return entities
}

// Create adds a record and returns it as stored. If the entity generates a
// secret, the returned copy carries it; the stored record does not.
func (b *Backend) Create(entity string, r Record) Record {
	stored := cloneRecord(r)
	if stored.ID() == "" {
		stored["id"] = newID()
	}

	b.mu.Lock()
	b.collections[entity] = append(b.collections[entity], stored)
	b.mu.Unlock()

	created := cloneRecord(stored)
	if field, ok := b.secretFields[entity]; ok {
		created[field] = newSecret()
	}
	return created
}

// Update replaces an existing record.
func (b *Backend) Update(entity, id string, r Record) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.index(entity, id)
	if i < 0 {
		return nil, fmt.Errorf("%s %s not found", entity, id)
	}
	stored := cloneRecord(r)
	stored["id"] = id
	b.collections[entity][i] = stored
	return cloneRecord(stored), nil
}

// Delete removes records by id and returns how many were removed.
func (b *Backend) Delete(entity string, ids ...string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	before := len(b.collections[entity])
	b.collections[entity] = slices.DeleteFunc(b.collections[entity], func(r Record) bool {
		return slices.Contains(ids, r.ID())
	})
	return before - len(b.collections[entity])
}

func (b *Backend) index(entity, id string) int {
	return slices.IndexFunc(b.collections[entity], func(r Record) bool {
		return r.ID() == id
	})
}

// cloneRecord copies a record through JSON so nested values are not shared.
func cloneRecord(r Record) Record {
	data, err := json.Marshal(r)
	if err != nil {
		return Record{}
	}
	var c Record
	if err := json.Unmarshal(data, &c); err != nil || c == nil {
		return Record{}
	}
	return c
}

func newID() string {
	return strings.ToLower(ulid.Make().String())
}

func newSecret() string {
	buf := make([]byte, 20)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
