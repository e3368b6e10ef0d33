package redis

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/models"
)

func TestCharacterStorage_CRUD(t *testing.T) {
	db := newTestDB(t)
	storage := NewCharacterStorage(db, arbor.NewLogger())
	ctx := context.Background()

	character := models.NewCharacter("char-12345678", models.CreateCharacterRequest{
		Name:        "Aria",
		Description: "Test identity",
		TriggerWord: "ohwx aria",
	})
	if err := storage.SaveCharacter(ctx, character); err != nil {
		t.Fatalf("SaveCharacter: %v", err)
	}

	got, err := storage.GetCharacter(ctx, "char-12345678")
	if err != nil {
		t.Fatalf("GetCharacter: %v", err)
	}
	if got.Name != "Aria" || got.TriggerWord != "ohwx aria" {
		t.Errorf("got %q / %q", got.Name, got.TriggerWord)
	}

	name := "Aria Prime"
	if changed := got.ApplyUpdate(models.UpdateCharacterRequest{Name: &name}); !changed {
		t.Fatal("ApplyUpdate reported no change")
	}
	if err := storage.UpdateCharacter(ctx, got); err != nil {
		t.Fatalf("UpdateCharacter: %v", err)
	}
	updated, _ := storage.GetCharacter(ctx, "char-12345678")
	if updated.Name != "Aria Prime" {
		t.Errorf("name after update = %q", updated.Name)
	}

	count, err := storage.CountCharacters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	if err := storage.DeleteCharacter(ctx, "char-12345678"); err != nil {
		t.Fatalf("DeleteCharacter: %v", err)
	}
	if _, err := storage.GetCharacter(ctx, "char-12345678"); !models.IsKind(err, models.KindNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
}

func TestCharacterStorage_ListNewestFirst(t *testing.T) {
	db := newTestDB(t)
	storage := NewCharacterStorage(db, arbor.NewLogger())
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"char-aaaa0001", "char-bbbb0002", "char-cccc0003"} {
		c := models.NewCharacter(id, models.CreateCharacterRequest{
			Name:        id,
			TriggerWord: "ohwx person",
		})
		c.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := storage.SaveCharacter(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	list, err := storage.ListCharacters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	if list[0].ID != "char-cccc0003" || list[2].ID != "char-aaaa0001" {
		t.Errorf("order = %s .. %s, want newest first", list[0].ID, list[2].ID)
	}
}
