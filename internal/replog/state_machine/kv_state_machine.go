package state_machine

import (
	"maps"
	"sync"

	"go.uber.org/zap"

	"replicated-log/internal/replog/streams"
)

// KVStateMachine is a simple key-value store that implements the StateMachine interface
type KVStateMachine struct {
	mu      sync.RWMutex
	store   map[string]string
	applied uint64
	logger  *zap.Logger
}

func NewKVStateMachine(logger *zap.Logger) *KVStateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KVStateMachine{
		store:  make(map[string]string),
		logger: logger,
	}
}

func (kv *KVStateMachine) Apply(commands []Command, last streams.StreamPosition) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	for _, c := range commands {
		switch c.Op {
		case OpSet:
			kv.store[c.Key] = c.Value
		case OpDel:
			delete(kv.store, c.Key)
		default:
			kv.logger.Warn("Skipping unknown command", zap.Stringer("command", c))
		}
	}
	kv.applied = last.SubIndex
	kv.logger.Debug("Applied commands",
		zap.Int("count", len(commands)),
		zap.Uint64("position", last.SubIndex),
		zap.Uint64("index", uint64(last.Index)))
}

func (kv *KVStateMachine) Applied() uint64 {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.applied
}

// Get retrieves a value from the state machine
func (kv *KVStateMachine) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, ok := kv.store[key]
	return value, ok
}

// Snapshot returns a copy of the store
func (kv *KVStateMachine) Snapshot() map[string]string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return maps.Clone(kv.store)
}

func (kv *KVStateMachine) Len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.store)
}
