package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// CharacterStorage implements the CharacterStorage interface for Badger
type CharacterStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCharacterStorage creates a new CharacterStorage instance
func NewCharacterStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CharacterStorage {
	return &CharacterStorage{
		db:     db,
		logger: logger,
	}
}

func (s *CharacterStorage) SaveCharacter(ctx context.Context, character *models.Character) error {
	if character == nil {
		return fmt.Errorf("character is nil")
	}
	if character.ID == "" {
		return fmt.Errorf("character ID is required")
	}

	if err := s.db.Store().Upsert(character.ID, character); err != nil {
		return fmt.Errorf("failed to save character: %w", err)
	}
	return nil
}

func (s *CharacterStorage) GetCharacter(ctx context.Context, id string) (*models.Character, error) {
	var character models.Character
	if err := s.db.Store().Get(id, &character); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.Errorf(models.KindNotFound, "character %s not found", id)
		}
		return nil, fmt.Errorf("failed to get character: %w", err)
	}
	return &character, nil
}

func (s *CharacterStorage) ListCharacters(ctx context.Context) ([]*models.Character, error) {
	var characters []models.Character
	query := badgerhold.Where("ID").Ne("").SortBy("CreatedAt").Reverse()
	if err := s.db.Store().Find(&characters, query); err != nil {
		return nil, fmt.Errorf("failed to list characters: %w", err)
	}

	result := make([]*models.Character, len(characters))
	for i := range characters {
		result[i] = &characters[i]
	}
	return result, nil
}

func (s *CharacterStorage) UpdateCharacter(ctx context.Context, character *models.Character) error {
	return s.SaveCharacter(ctx, character)
}

func (s *CharacterStorage) DeleteCharacter(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Character{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete character: %w", err)
	}
	return nil
}

func (s *CharacterStorage) CountCharacters(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.Character{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count characters: %w", err)
	}
	return int(count), nil
}
