package discovery

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Replica one gateway process
type Replica struct {
	ID        string    `json:"id"`
	Addr      string    `json:"addr"`
	StartedAt time.Time `json:"started_at"`
}

// Registrar is the part of EtcdClient a ReplicaSet needs
type Registrar interface {
	Register(key, value string, ttl int64) error
	Watch(prefix string, handler func(eventType EventType, key, value string)) error
}

// ReplicaSet announces this replica under prefix and tracks its peers
type ReplicaSet struct {
	client Registrar
	prefix string
	self   Replica
	logger *zap.Logger

	mu       sync.RWMutex
	replicas map[string]Replica
}

// NewReplicaSet creates a replica set rooted at prefix, e.g. /portal/replicas
func NewReplicaSet(client Registrar, prefix string, self Replica, logger *zap.Logger) *ReplicaSet {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplicaSet{
		client:   client,
		prefix:   strings.TrimSuffix(prefix, "/") + "/",
		self:     self,
		logger:   logger,
		replicas: make(map[string]Replica),
	}
}

// Join registers this replica with a ttl lease and starts watching peers
func (s *ReplicaSet) Join(ttl int64) error {
	value, err := json.Marshal(s.self)
	if err != nil {
		return fmt.Errorf("failed to encode replica: %w", err)
	}

	if err := s.client.Register(s.prefix+s.self.ID, string(value), ttl); err != nil {
		return err
	}

	if err := s.client.Watch(s.prefix, s.handleEvent); err != nil {
		return fmt.Errorf("failed to watch replicas: %w", err)
	}

	s.logger.Info("Joined replica set",
		zap.String("replica_id", s.self.ID),
		zap.String("prefix", s.prefix),
	)
	return nil
}

func (s *ReplicaSet) handleEvent(eventType EventType, key, value string) {
	id := strings.TrimPrefix(key, s.prefix)
	if id == "" || id == key {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch eventType {
	case EventPut:
		var replica Replica
		if err := json.Unmarshal([]byte(value), &replica); err != nil {
			s.logger.Warn("Ignoring malformed replica entry", zap.String("key", key), zap.Error(err))
			return
		}
		replica.ID = id
		s.replicas[id] = replica
	case EventDelete:
		delete(s.replicas, id)
	}

	s.logger.Debug("Replica set changed",
		zap.String("event", string(eventType)),
		zap.String("replica_id", id),
		zap.Int("replicas", len(s.replicas)),
	)
}

// Self returns this replica
func (s *ReplicaSet) Self() Replica {
	return s.self
}

// Replicas returns the live replicas ordered by id
func (s *ReplicaSet) Replicas() []Replica {
	s.mu.RLock()
	result := make([]Replica, 0, len(s.replicas))
	for _, replica := range s.replicas {
		result = append(result, replica)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
