package redis

import (
	"context"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/models"
)

const characterKeyPrefix = "effigo:characters:"

// CharacterStorage implements the CharacterStorage interface on Redis.
// Records are JSON strings under effigo:characters:<id>.
type CharacterStorage struct {
	db     *RedisDB
	logger arbor.ILogger
}

// NewCharacterStorage creates a new CharacterStorage instance
func NewCharacterStorage(db *RedisDB, logger arbor.ILogger) interfaces.CharacterStorage {
	return &CharacterStorage{
		db:     db,
		logger: logger,
	}
}

func characterKey(id string) string {
	return characterKeyPrefix + id
}

func (s *CharacterStorage) SaveCharacter(ctx context.Context, character *models.Character) error {
	if character == nil {
		return fmt.Errorf("character is nil")
	}
	if character.ID == "" {
		return fmt.Errorf("character ID is required")
	}

	data, err := character.ToJSON()
	if err != nil {
		return err
	}
	if err := s.db.Client().Set(ctx, characterKey(character.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save character: %w", err)
	}
	return nil
}

func (s *CharacterStorage) GetCharacter(ctx context.Context, id string) (*models.Character, error) {
	data, err := s.db.Client().Get(ctx, characterKey(id)).Bytes()
	if err == goredis.Nil {
		return nil, models.Errorf(models.KindNotFound, "character %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get character: %w", err)
	}
	return models.CharacterFromJSON(data)
}

func (s *CharacterStorage) ListCharacters(ctx context.Context) ([]*models.Character, error) {
	keys, err := s.scanCharacterKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []*models.Character{}, nil
	}

	values, err := s.db.Client().MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load characters: %w", err)
	}

	characters := make([]*models.Character, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		character, err := models.CharacterFromJSON([]byte(raw))
		if err != nil {
			s.logger.Warn().Err(err).Msg("Skipping unreadable character record")
			continue
		}
		characters = append(characters, character)
	}

	sort.Slice(characters, func(i, j int) bool {
		return characters[i].CreatedAt.After(characters[j].CreatedAt)
	})
	return characters, nil
}

func (s *CharacterStorage) UpdateCharacter(ctx context.Context, character *models.Character) error {
	return s.SaveCharacter(ctx, character)
}

func (s *CharacterStorage) DeleteCharacter(ctx context.Context, id string) error {
	if err := s.db.Client().Del(ctx, characterKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete character: %w", err)
	}
	return nil
}

func (s *CharacterStorage) CountCharacters(ctx context.Context) (int, error) {
	keys, err := s.scanCharacterKeys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *CharacterStorage) scanCharacterKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.db.Client().Scan(ctx, 0, characterKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan characters: %w", err)
	}
	return keys, nil
}
