package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"time"

	"mentora/internal/database"
	"mentora/internal/models"
)

// storedFact is the persisted representation of a single fact inside a
// user's context document. Timestamps are RFC3339 strings so the document
// stays readable and portable.
type storedFact struct {
	Value      interface{} `json:"value"`
	UpdatedAt  string      `json:"updated_at"`
	ExpiresAt  string      `json:"expires_at,omitempty"`
	Persistent bool        `json:"persistent,omitempty"`
	Priority   int         `json:"priority,omitempty"`
	Source     string      `json:"source,omitempty"`
}

// ContextStore manages the per-user knowledge base: a single JSON document
// of facts with priority-based conflict resolution and TTL-based decay.
type ContextStore struct {
	db             *database.DB
	defaultTTLDays int
	persistentKeys map[string]bool

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex

	now func() time.Time
}

// NewContextStore creates a new context store. persistentKeys lists fact
// keys that never expire regardless of TTL settings.
func NewContextStore(db *database.DB, defaultTTLDays int, persistentKeys []string) *ContextStore {
	keys := make(map[string]bool, len(persistentKeys))
	for _, k := range persistentKeys {
		keys[k] = true
	}

	return &ContextStore{
		db:             db,
		defaultTTLDays: defaultTTLDays,
		persistentKeys: keys,
		userLocks:      make(map[string]*sync.Mutex),
		now:            time.Now,
	}
}

// lockFor returns the mutex serializing writes for one user. All mutations
// of a user's document happen under this lock so concurrent merges never
// lose facts to read-modify-write races.
func (s *ContextStore) lockFor(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.userLocks[userID] = lock
	}
	return lock
}

// Merge folds incoming facts into the user's context document.
//
// Conflict resolution per key: higher priority wins; on equal priority the
// newer write wins (incoming facts carry the current timestamp, so an
// equal-priority incoming fact replaces the stored one). Lower-priority
// incoming facts are discarded. An incoming fact with no priority of its
// own inherits the stored fact's priority, so unprioritized updates always
// refresh. Returns the number of facts written.
func (s *ContextStore) Merge(ctx context.Context, userID string, incoming map[string]interface{}, opts models.MergeOptions) (int, error) {
	if userID == "" {
		return 0, &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if len(incoming) == 0 {
		return 0, nil
	}

	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	facts, err := s.loadDocument(ctx, userID)
	if err != nil {
		return 0, err
	}

	now := s.now()
	written := 0

	for key, rawValue := range incoming {
		if key == "" || rawValue == nil {
			continue
		}

		mapPriority, hasMapPriority := opts.PriorityMap[key]
		value, priority, hasPriority := unwrapIncoming(rawValue, mapPriority, hasMapPriority)

		if existing, ok := facts[key]; ok {
			if _, isExpired := s.toFact(key, existing, now); !isExpired {
				// An incoming fact that carries no priority of its own
				// inherits the stored one, so a fresh value can still
				// refresh a prioritized fact.
				if !hasPriority {
					priority = existing.Priority
				}
				if existing.Priority > priority {
					log.Printf("⏭️ [CONTEXT-STORE] Skipping fact %q for user %s: stored priority %d > incoming %d", key, userID, existing.Priority, priority)
					continue
				}
			}
		}

		fact := storedFact{
			Value:     value,
			UpdatedAt: now.Format(time.RFC3339),
			Priority:  priority,
			Source:    opts.Source,
		}

		if s.isPersistent(key, opts) {
			fact.Persistent = true
		} else {
			ttlDays := s.defaultTTLDays
			if override, ok := opts.TTLOverrides[key]; ok && override > 0 {
				ttlDays = override
			}
			fact.ExpiresAt = now.Add(time.Duration(ttlDays) * 24 * time.Hour).Format(time.RFC3339)
		}

		facts[key] = fact
		written++
	}

	if written == 0 {
		return 0, nil
	}

	if err := s.saveDocument(ctx, userID, facts, now); err != nil {
		return 0, err
	}

	log.Printf("✅ [CONTEXT-STORE] Merged %d facts for user %s (%d total)", written, userID, len(facts))
	return written, nil
}

// GetValid returns the user's non-expired facts. Expired facts found in the
// snapshot are filtered out of the result and pruned asynchronously so the
// read path never waits on a write.
func (s *ContextStore) GetValid(ctx context.Context, userID string) (map[string]models.Fact, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}

	facts, err := s.loadDocument(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	valid := make(map[string]models.Fact, len(facts))
	expired := 0

	for key, stored := range facts {
		fact, isExpired := s.toFact(key, stored, now)
		if isExpired {
			expired++
			continue
		}
		valid[key] = fact
	}

	if expired > 0 {
		go func() {
			pruneCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := s.Prune(pruneCtx, userID); err != nil {
				log.Printf("⚠️ [CONTEXT-STORE] Async prune failed for user %s: %v", userID, err)
			}
		}()
	}

	return valid, nil
}

// Prune removes expired facts from the user's document and returns the
// number removed.
func (s *ContextStore) Prune(ctx context.Context, userID string) (int, error) {
	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	facts, err := s.loadDocument(ctx, userID)
	if err != nil {
		return 0, err
	}

	now := s.now()
	removed := 0

	for key, stored := range facts {
		if _, isExpired := s.toFact(key, stored, now); isExpired {
			delete(facts, key)
			removed++
		}
	}

	if removed == 0 {
		return 0, nil
	}

	if err := s.saveDocument(ctx, userID, facts, now); err != nil {
		return 0, err
	}

	log.Printf("🧹 [CONTEXT-STORE] Pruned %d expired facts for user %s", removed, userID)
	return removed, nil
}

// PruneAll sweeps every user document. Used by the scheduled decay job.
func (s *ContextStore) PruneAll(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM user_contexts`)
	if err != nil {
		return 0, &PersistenceError{Op: "list user contexts", Err: err}
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, &PersistenceError{Op: "scan user context", Err: err}
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return 0, &PersistenceError{Op: "iterate user contexts", Err: err}
	}

	totalRemoved := 0
	for _, userID := range userIDs {
		removed, err := s.Prune(ctx, userID)
		if err != nil {
			log.Printf("⚠️ [CONTEXT-STORE] Sweep failed for user %s: %v", userID, err)
			continue
		}
		totalRemoved += removed
	}

	return totalRemoved, nil
}

// DeleteKey removes a single fact from the user's document. Removing a key
// that is not present is not an error.
func (s *ContextStore) DeleteKey(ctx context.Context, userID, key string) error {
	if userID == "" {
		return &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if key == "" {
		return &ValidationError{Field: "key", Reason: "must not be empty"}
	}

	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	facts, err := s.loadDocument(ctx, userID)
	if err != nil {
		return err
	}

	if _, ok := facts[key]; !ok {
		return nil
	}

	delete(facts, key)
	return s.saveDocument(ctx, userID, facts, s.now())
}

// Delete removes the user's entire context document.
func (s *ContextStore) Delete(ctx context.Context, userID string) error {
	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_contexts WHERE user_id = ?`, userID); err != nil {
		return &PersistenceError{Op: "delete user context", Err: err}
	}
	return nil
}

// unwrapIncoming resolves an incoming fact value. Extraction output may
// wrap a value as {"value": ..., "priority": N}; an explicit priority there
// beats the caller's PriorityMap. The third return reports whether the
// incoming fact carried any priority at all.
func unwrapIncoming(raw interface{}, mapPriority int, hasMapPriority bool) (interface{}, int, bool) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return raw, mapPriority, hasMapPriority
	}

	value, hasValue := obj["value"]
	if !hasValue {
		return raw, mapPriority, hasMapPriority
	}

	switch p := obj["priority"].(type) {
	case float64:
		return value, int(p), true
	case int:
		return value, p, true
	}
	return value, mapPriority, hasMapPriority
}

func (s *ContextStore) isPersistent(key string, opts models.MergeOptions) bool {
	if opts.PersistentKeys != nil && opts.PersistentKeys[key] {
		return true
	}
	return s.persistentKeys[key]
}

// toFact converts a stored fact to its exported form and reports whether it
// is expired. A malformed expiry timestamp is treated as non-expiring
// rather than silently dropping the fact.
func (s *ContextStore) toFact(key string, stored storedFact, now time.Time) (models.Fact, bool) {
	fact := models.Fact{
		Key:        key,
		Value:      stored.Value,
		Persistent: stored.Persistent,
		Priority:   stored.Priority,
		Source:     stored.Source,
	}

	if t, err := time.Parse(time.RFC3339, stored.UpdatedAt); err == nil {
		fact.UpdatedAt = t
	}

	if stored.ExpiresAt != "" {
		expiry, err := time.Parse(time.RFC3339, stored.ExpiresAt)
		if err != nil {
			log.Printf("⚠️ [CONTEXT-STORE] Malformed expiry on fact %q (%q), keeping fact", key, stored.ExpiresAt)
		} else {
			fact.ExpiresAt = &expiry
			if expiry.Before(now) {
				return fact, true
			}
		}
	}

	return fact, false
}

func (s *ContextStore) loadDocument(ctx context.Context, userID string) (map[string]storedFact, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT facts FROM user_contexts WHERE user_id = ?`, userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return make(map[string]storedFact), nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load user context", Err: err}
	}

	facts := make(map[string]storedFact)
	if err := json.Unmarshal([]byte(raw), &facts); err != nil {
		return nil, &PersistenceError{Op: "decode user context", Err: err}
	}
	return facts, nil
}

func (s *ContextStore) saveDocument(ctx context.Context, userID string, facts map[string]storedFact, now time.Time) error {
	raw, err := json.Marshal(facts)
	if err != nil {
		return &PersistenceError{Op: "encode user context", Err: err}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_contexts (user_id, facts, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET facts = excluded.facts, updated_at = excluded.updated_at`,
		userID, string(raw), now.UTC())
	if err != nil {
		return &PersistenceError{Op: "save user context", Err: err}
	}
	return nil
}
