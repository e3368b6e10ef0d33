package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/storage/badger"
	"github.com/ternarybob/effigo/internal/storage/redis"
)

// NewStorageManager creates a new storage manager based on config.
// Badger serves single-process deployments; redis is required when jobs are
// shared between an API process and workers.
func NewStorageManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	switch config.Storage.Type {
	case "badger", "":
		return badger.NewManager(logger, &config.Storage.Badger)
	case "redis":
		return redis.NewManager(logger, &config.Storage.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (expected 'badger' or 'redis')", config.Storage.Type)
	}
}
