package flowboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// persistedBoardState is the snapshot written through a StateBackend. Only
// durable entity state is captured; the dedup cache and the active workflow
// view are session-scoped and rebuilt from live traffic.
type persistedBoardState struct {
	NextLocalID int64             `json:"nextLocalId"`
	Version     uint64            `json:"version"`
	Entities    map[int64]*Entity `json:"entities"`
}

type StateBackend interface {
	Load() (*persistedBoardState, error)
	Save(state *persistedBoardState) error
}

type stateBackendCloser interface {
	Close() error
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedBoardState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedBoardState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedBoardState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *persistedBoardState
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedBoardState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneBoardState(b.snapshot)
}

func (b *InMemoryStateBackend) Save(state *persistedBoardState) error {
	if b == nil || state == nil {
		return nil
	}
	clone, err := cloneBoardState(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.snapshot = clone
	b.mu.Unlock()
	return nil
}

func cloneBoardState(state *persistedBoardState) (*persistedBoardState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var clone persistedBoardState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

// BuildStateBackendFromDSN selects a backend by DSN scheme: bare paths and
// file:// map to the JSON file backend, memory:// to the in-memory one, and
// postgres:// to the Postgres snapshot table.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: file DSN without path", ErrInvalidInput)
	}
	return path, nil
}

func (b *Board) loadFromBackend() error {
	if b.stateBackend == nil {
		return nil
	}
	snapshot, err := b.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextLocalID = snapshot.NextLocalID
	b.version = snapshot.Version
	b.entities = map[int64]*Entity{}
	b.index = map[string]int64{}
	for localID, entity := range snapshot.Entities {
		if entity == nil {
			continue
		}
		entity.LocalID = localID
		b.entities[localID] = entity
		if entity.CorrelationID != "" {
			// Index is derived state; rebuild rather than trust the
			// snapshot to have carried one.
			b.index[entity.CorrelationID] = localID
		}
		if localID > b.nextLocalID {
			b.nextLocalID = localID
		}
	}
	return nil
}

// saveLocked snapshots current state. Persistence is best-effort; a failed
// save never fails the mutation that triggered it.
func (b *Board) saveLocked() {
	if b.stateBackend == nil {
		return
	}
	snapshot := &persistedBoardState{
		NextLocalID: b.nextLocalID,
		Version:     b.version,
		Entities:    make(map[int64]*Entity, len(b.entities)),
	}
	for localID, entity := range b.entities {
		clone := entity.clone()
		snapshot.Entities[localID] = &clone
	}
	if err := b.stateBackend.Save(snapshot); err != nil {
		b.logf("state backend save failed: %v", err)
	}
}

// CloseStateBackend releases backend resources when the backend holds any.
func (b *Board) CloseStateBackend() error {
	if closer, ok := b.stateBackend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}
