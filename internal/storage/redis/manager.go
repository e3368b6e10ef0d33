package redis

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/interfaces"
)

// Manager implements the StorageManager interface for Redis
type Manager struct {
	db        *RedisDB
	job       interfaces.JobStorage
	character interfaces.CharacterStorage
	logger    arbor.ILogger
}

// NewManager creates a new Redis storage manager
func NewManager(logger arbor.ILogger, config *common.RedisConfig) (interfaces.StorageManager, error) {
	db, err := NewRedisDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:        db,
		job:       NewJobStorage(db, logger),
		character: NewCharacterStorage(db, logger),
		logger:    logger,
	}

	logger.Info().Str("url", config.URL).Msg("Redis storage manager initialized")

	return manager, nil
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// CharacterStorage returns the Character storage interface
func (m *Manager) CharacterStorage() interfaces.CharacterStorage {
	return m.character
}

// DB returns the underlying Redis client
func (m *Manager) DB() interface{} {
	if m.db != nil {
		return m.db.Client()
	}
	return nil
}

// Close closes the Redis connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
