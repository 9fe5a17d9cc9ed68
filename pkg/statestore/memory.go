package statestore

import (
	"context"
	"sync"

	"github.com/docent-net/cluster-hibernator/pkg/model"
)

// Memory is a process-local Store used by tests and dry runs.
type Memory struct {
	mu   sync.Mutex
	data map[string][]byte
	// Saves counts writes per kind.
	Saves map[Kind]int
}

func NewMemory() *Memory {
	return &Memory{data: map[string][]byte{}, Saves: map[Kind]int{}}
}

func (m *Memory) Save(_ context.Context, id model.ClusterIdentity, kind Kind, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id.Key()+"#"+string(kind)] = append([]byte(nil), payload...)
	m.Saves[kind]++
	return nil
}

func (m *Memory) Load(_ context.Context, id model.ClusterIdentity, kind Kind) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[id.Key()+"#"+string(kind)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Close() error { return nil }
