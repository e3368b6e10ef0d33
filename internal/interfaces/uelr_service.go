package interfaces

import (
	"context"

	"github.com/ternarybob/effigo/internal/models"
)

// InteractionService is the UELR register: frontend-driven interaction
// traces persisted as JSONL files with a rolling index.
type InteractionService interface {
	// Create registers an interaction. Existing IDs are returned as-is
	// (idempotent); created reports whether a new record was written.
	Create(ctx context.Context, interaction *models.Interaction) (result *models.Interaction, created bool, err error)

	// AppendSteps appends steps to an existing interaction, assigning
	// sequence numbers and redacting details. Returns the appended count;
	// appends beyond the per-interaction cap are rejected.
	AppendSteps(ctx context.Context, id string, steps []models.InteractionStep) (int, error)

	// Complete finalizes an interaction with its outcome.
	Complete(ctx context.Context, id string, status models.InteractionStatus, errorSummary string) (*models.Interaction, error)

	// Get returns the header and all recorded steps.
	Get(ctx context.Context, id string) (*models.Interaction, []models.InteractionStep, error)

	// List pages through the index, newest first.
	List(ctx context.Context, filter models.InteractionFilter) (*models.InteractionList, error)

	Delete(ctx context.Context, id string) error

	// Cleanup removes interactions older than retentionDays. Returns the
	// number deleted.
	Cleanup(ctx context.Context, retentionDays int) (int, error)

	// Bundle builds the support ZIP: full interaction JSON plus correlated
	// backend and worker log lines. Returns the archive and its filename.
	Bundle(ctx context.Context, id string) ([]byte, string, error)
}
