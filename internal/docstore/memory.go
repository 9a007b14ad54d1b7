// Package docstore — in-memory Store implementation.
// Used by tests and for zero-config local development. Supports file-based
// snapshot persistence so data survives restarts.
package docstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MemoryStore implements Store with in-memory maps of raw JSON documents.
// Transactions take the write lock for their whole extent, so the store is
// serializable by construction and RunTxn bodies never retry.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte // collection → id → raw JSON

	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{}
	closeOnce    sync.Once
}

// NewMemoryStore creates an in-memory store. If dataDir is non-empty,
// documents are persisted to a JSON snapshot in that directory.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		data:   make(map[string]map[string][]byte),
		saveCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "documents.json")
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	return m
}

func (m *MemoryStore) Get(_ context.Context, collection, id string, out any) error {
	m.mu.RLock()
	raw, ok := m.data[collection][id]
	m.mu.RUnlock()
	if !ok {
		return &ErrNotFound{Collection: collection, ID: id}
	}
	return json.Unmarshal(raw, out)
}

func (m *MemoryStore) Put(_ context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.putLocked(collection, id, raw)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) Create(_ context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.data[collection][id]; ok {
		m.mu.Unlock()
		return &ErrExists{Collection: collection, ID: id}
	}
	m.putLocked(collection, id, raw)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	delete(m.data[collection], id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) List(_ context.Context, collection string, each func(id string, raw []byte) error) error {
	// Copy references under the read lock, then iterate without it so the
	// callback may issue store reads.
	m.mu.RLock()
	docs := make(map[string][]byte, len(m.data[collection]))
	for id, raw := range m.data[collection] {
		docs[id] = raw
	}
	m.mu.RUnlock()

	for id, raw := range docs {
		if err := each(id, raw); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) putLocked(collection, id string, raw []byte) {
	if m.data[collection] == nil {
		m.data[collection] = make(map[string][]byte)
	}
	m.data[collection][id] = raw
}

// ── Transactions ────────────────────────────────────────────

// memTxn buffers writes until commit. Reads see the buffered writes
// (read-your-writes) layered over the store.
type memTxn struct {
	store   *MemoryStore
	writes  map[string]map[string][]byte // staged puts
	deletes map[string]map[string]bool
}

func (m *MemoryStore) RunTxn(ctx context.Context, fn func(tx Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTxn{
		store:   m,
		writes:  make(map[string]map[string][]byte),
		deletes: make(map[string]map[string]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}

	// Commit staged writes.
	for col, docs := range tx.writes {
		for id, raw := range docs {
			m.putLocked(col, id, raw)
		}
	}
	for col, ids := range tx.deletes {
		for id := range ids {
			delete(m.data[col], id)
		}
	}
	m.requestSave()
	return nil
}

func (t *memTxn) Get(collection, id string, out any) error {
	if t.deletes[collection][id] {
		return &ErrNotFound{Collection: collection, ID: id}
	}
	if raw, ok := t.writes[collection][id]; ok {
		return json.Unmarshal(raw, out)
	}
	raw, ok := t.store.data[collection][id]
	if !ok {
		return &ErrNotFound{Collection: collection, ID: id}
	}
	return json.Unmarshal(raw, out)
}

func (t *memTxn) Put(collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if t.writes[collection] == nil {
		t.writes[collection] = make(map[string][]byte)
	}
	t.writes[collection][id] = raw
	if t.deletes[collection] != nil {
		delete(t.deletes[collection], id)
	}
	return nil
}

func (t *memTxn) Create(collection, id string, doc any) error {
	var existing json.RawMessage
	if err := t.Get(collection, id, &existing); err == nil {
		return &ErrExists{Collection: collection, ID: id}
	}
	return t.Put(collection, id, doc)
}

func (t *memTxn) Delete(collection, id string) error {
	if t.deletes[collection] == nil {
		t.deletes[collection] = make(map[string]bool)
	}
	t.deletes[collection][id] = true
	if t.writes[collection] != nil {
		delete(t.writes[collection], id)
	}
	return nil
}

func (t *memTxn) List(collection string, each func(id string, raw []byte) error) error {
	seen := make(map[string]bool)
	for id, raw := range t.writes[collection] {
		seen[id] = true
		if err := each(id, raw); err != nil {
			return err
		}
	}
	for id, raw := range t.store.data[collection] {
		if seen[id] || t.deletes[collection][id] {
			continue
		}
		if err := each(id, raw); err != nil {
			return err
		}
	}
	return nil
}

// ── Lifecycle & persistence ─────────────────────────────────

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the save goroutine and forces a final snapshot write.
// Safe to call multiple times.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := make(map[string]map[string]json.RawMessage, len(m.data))
	for col, docs := range m.data {
		snap[col] = make(map[string]json.RawMessage, len(docs))
		for id, raw := range docs {
			snap[col][id] = json.RawMessage(raw)
		}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity.
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
	}
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var total int
	for col, docs := range snap {
		m.data[col] = make(map[string][]byte, len(docs))
		for id, raw := range docs {
			m.data[col][id] = []byte(raw)
			total++
		}
	}
	log.Info().Int("documents", total).Str("path", m.snapshotPath).Msg("Snapshot loaded")
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
