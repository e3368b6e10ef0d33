// Package uelr implements the interaction register: frontend-driven
// end-to-end traces persisted as JSONL files with a rolling index.
//
// Layout under <uelr_root>:
//
//	interactions/<id>.jsonl  line 1 is the interaction header (rewritten on
//	                         update), every following line is a step
//	index/interactions.jsonl one summary line per interaction, newest first
package uelr

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/models"
)

const (
	defaultMaxInteractions = 1000
	defaultMaxSteps        = 500
)

// unsafeIDChars is everything not allowed in an interaction's filename.
// IDs are opaque client strings; the record keeps them verbatim, only the
// filesystem mapping is sanitized.
var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Register is the file-backed interaction register. A single mutex
// serializes all mutations; interactions are small and short-lived, so
// contention is not a concern.
type Register struct {
	logger          arbor.ILogger
	root            string
	logRoot         string
	maxInteractions int
	maxSteps        int

	mu sync.Mutex
}

// NewRegister creates the register and its directory layout
func NewRegister(logger arbor.ILogger, config *common.Config) (*Register, error) {
	r := &Register{
		logger:          logger,
		root:            config.UELRRoot(),
		logRoot:         config.LogRoot(),
		maxInteractions: config.UELR.MaxInteractions,
		maxSteps:        config.UELR.MaxSteps,
	}
	if r.maxInteractions <= 0 {
		r.maxInteractions = defaultMaxInteractions
	}
	if r.maxSteps <= 0 {
		r.maxSteps = defaultMaxSteps
	}

	for _, dir := range []string{r.interactionsDir(), r.indexDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create uelr directory %s: %w", dir, err)
		}
	}
	return r, nil
}

func (r *Register) interactionsDir() string {
	return filepath.Join(r.root, "interactions")
}

func (r *Register) indexDir() string {
	return filepath.Join(r.root, "index")
}

func (r *Register) indexPath() string {
	return filepath.Join(r.indexDir(), "interactions.jsonl")
}

func (r *Register) interactionPath(id string) string {
	return filepath.Join(r.interactionsDir(), safeID(id)+".jsonl")
}

// safeID reduces an opaque interaction ID to a safe filename stem. An ID
// that already is a safe name maps to itself; anything the sanitizer alters
// gets a short digest of the raw ID appended, so distinct hostile IDs like
// "a/b" and "a.b" never share a file.
func safeID(id string) string {
	safe := unsafeIDChars.ReplaceAllString(id, "_")
	if len(safe) > 119 {
		safe = safe[:119]
	}
	if safe == "" || strings.Trim(safe, "._") == "" {
		safe = "interaction"
	}
	if safe == id {
		return safe
	}
	sum := sha256.Sum256([]byte(id))
	return safe + "-" + hex.EncodeToString(sum[:4])
}

// Create registers an interaction. An existing ID returns the stored header
// unchanged, making client retries safe.
func (r *Register) Create(ctx context.Context, interaction *models.Interaction) (*models.Interaction, bool, error) {
	if interaction == nil || interaction.InteractionID == "" {
		return nil, false, models.E(models.KindValidationRejected, "interaction_id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, err := r.readHeader(interaction.InteractionID); err == nil {
		return existing, false, nil
	}

	interaction.RecordType = models.RecordTypeInteraction
	if interaction.Status == "" {
		interaction.Status = models.InteractionStatusPending
	}
	if !interaction.Status.IsValid() {
		return nil, false, models.Errorf(models.KindValidationRejected, "invalid interaction status: %s", interaction.Status)
	}
	if interaction.StartedAt == "" {
		interaction.StartedAt = time.Now().UTC().Format(time.RFC3339)
	}
	interaction.Context = common.RedactMap(interaction.Context)
	interaction.StepCount = 0
	interaction.ErrorCount = 0

	line, err := interaction.ToJSON()
	if err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(r.interactionPath(interaction.InteractionID), append(line, '\n'), 0o644); err != nil {
		return nil, false, fmt.Errorf("failed to write interaction file: %w", err)
	}
	if err := r.upsertIndex(interaction); err != nil {
		return nil, false, err
	}

	r.logger.Info().
		Str("event", "uelr.interaction.created").
		Str("interaction_id", interaction.InteractionID).
		Str("action_name", interaction.ActionName).
		Msg("Created UELR interaction: " + interaction.ActionName)
	return interaction, true, nil
}

// AppendSteps appends steps to an interaction. Steps with an unknown type or
// component are skipped with a warning; a batch that would push the
// interaction past the step cap is rejected whole.
func (r *Register) AppendSteps(ctx context.Context, id string, steps []models.InteractionStep) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	header, err := r.readHeader(id)
	if err != nil {
		return 0, err
	}

	valid := make([]models.InteractionStep, 0, len(steps))
	for _, step := range steps {
		if !step.StepType.IsValid() || !step.Component.IsValid() {
			r.logger.Warn().
				Str("interaction_id", id).
				Str("step_type", string(step.StepType)).
				Str("component", string(step.Component)).
				Msg("Skipping invalid UELR step")
			continue
		}
		valid = append(valid, step)
	}
	if len(valid) == 0 {
		return 0, nil
	}
	if header.StepCount+len(valid) > r.maxSteps {
		return 0, models.Errorf(models.KindValidationRejected,
			"step cap exceeded: interaction %s has %d steps, appending %d would exceed %d",
			id, header.StepCount, len(valid), r.maxSteps)
	}

	file, err := os.OpenFile(r.interactionPath(id), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open interaction file: %w", err)
	}
	defer file.Close()

	appended := 0
	errorCount := 0
	writer := bufio.NewWriter(file)
	for _, step := range valid {
		step.RecordType = models.RecordTypeStep
		step.InteractionID = id
		if step.CorrelationID == "" {
			step.CorrelationID = header.CorrelationID
		}
		if step.TS == "" {
			step.TS = time.Now().UTC().Format(time.RFC3339)
		}
		step.Seq = header.StepCount + appended + 1
		step.Details = common.RedactMap(step.Details)

		line, merr := stepToJSON(&step)
		if merr != nil {
			r.logger.Warn().Str("interaction_id", id).Err(merr).Msg("Skipping unmarshalable UELR step")
			continue
		}
		if _, werr := writer.Write(append(line, '\n')); werr != nil {
			return appended, fmt.Errorf("failed to append step: %w", werr)
		}
		appended++
		if step.IsError() {
			errorCount++
		}
	}
	if err := writer.Flush(); err != nil {
		return appended, fmt.Errorf("failed to append steps: %w", err)
	}

	header.StepCount += appended
	header.ErrorCount += errorCount
	if err := r.rewriteHeader(header); err != nil {
		return appended, err
	}
	if err := r.upsertIndex(header); err != nil {
		return appended, err
	}

	r.logger.Debug().
		Str("event", "uelr.steps.appended").
		Str("interaction_id", id).
		Int("step_count", appended).
		Msg(fmt.Sprintf("Appended %d steps to interaction %s", appended, id))
	return appended, nil
}

// Complete finalizes an interaction with its outcome
func (r *Register) Complete(ctx context.Context, id string, status models.InteractionStatus, errorSummary string) (*models.Interaction, error) {
	if !status.IsValid() {
		return nil, models.Errorf(models.KindValidationRejected, "invalid interaction status: %s", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	header, err := r.readHeader(id)
	if err != nil {
		return nil, err
	}

	header.Status = status
	header.EndedAt = time.Now().UTC().Format(time.RFC3339)
	header.ComputeDuration()
	if errorSummary != "" {
		header.ErrorSummary = common.RedactString(errorSummary)
	}

	if err := r.rewriteHeader(header); err != nil {
		return nil, err
	}
	if err := r.upsertIndex(header); err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("event", "uelr.interaction.completed").
		Str("interaction_id", id).
		Str("status", string(status)).
		Msg(fmt.Sprintf("Completed UELR interaction: %s (%s)", header.ActionName, status))
	return header, nil
}

// Get returns the header and all recorded steps
func (r *Register) Get(ctx context.Context, id string) (*models.Interaction, []models.InteractionStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(id)
}

// List pages through the index, newest first
func (r *Register) List(ctx context.Context, filter models.InteractionFilter) (*models.InteractionList, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.readIndex()
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.Interaction, 0, len(entries))
	for _, entry := range entries {
		if filter.ActionName != "" && !strings.Contains(strings.ToLower(entry.ActionName), strings.ToLower(filter.ActionName)) {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		if filter.CorrelationID != "" && entry.CorrelationID != filter.CorrelationID {
			continue
		}
		if filter.From != "" && entry.StartedAt < filter.From {
			continue
		}
		if filter.To != "" && entry.StartedAt > filter.To {
			continue
		}
		filtered = append(filtered, entry)
	}

	total := len(filtered)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := filtered[offset:end]

	return &models.InteractionList{
		Items:   page,
		Total:   total,
		HasMore: end < total,
	}, nil
}

// Delete removes an interaction file and its index entry
func (r *Register) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := r.interactionPath(id)
	if _, err := os.Stat(path); err != nil {
		return models.Errorf(models.KindNotFound, "Interaction %s not found", id)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete interaction file: %w", err)
	}
	if err := r.removeFromIndex(id); err != nil {
		return err
	}

	r.logger.Info().
		Str("event", "uelr.interaction.deleted").
		Str("interaction_id", id).
		Msg("Deleted UELR interaction: " + id)
	return nil
}

// Cleanup removes interactions whose started_at is older than retentionDays.
// Timestamps compare lexicographically, which is correct for RFC3339;
// entries without a parseable start are treated as expired.
func (r *Register) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	entries, err := r.readIndex()
	if err != nil {
		return 0, err
	}

	kept := make([]*models.Interaction, 0, len(entries))
	deleted := 0
	for _, entry := range entries {
		if entry.StartedAt >= cutoff {
			kept = append(kept, entry)
			continue
		}
		if rmErr := os.Remove(r.interactionPath(entry.InteractionID)); rmErr != nil && !os.IsNotExist(rmErr) {
			r.logger.Warn().Str("interaction_id", entry.InteractionID).Err(rmErr).Msg("Failed to delete expired interaction file")
		}
		deleted++
	}
	if deleted > 0 {
		if err := r.writeIndex(kept); err != nil {
			return deleted, err
		}
	}

	r.logger.Info().
		Str("event", "uelr.cleanup").
		Int("deleted_count", deleted).
		Int("retention_days", retentionDays).
		Msg(fmt.Sprintf("Cleaned up %d old UELR interactions", deleted))
	return deleted, nil
}

// readHeader reads only the first line of an interaction file
func (r *Register) readHeader(id string) (*models.Interaction, error) {
	file, err := os.Open(r.interactionPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.Errorf(models.KindNotFound, "Interaction %s not found", id)
		}
		return nil, fmt.Errorf("failed to open interaction file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return nil, models.Errorf(models.KindNotFound, "Interaction %s not found", id)
	}
	header, err := models.InteractionFromJSON(scanner.Bytes())
	if err != nil || header.RecordType != models.RecordTypeInteraction {
		return nil, fmt.Errorf("corrupt interaction header for %s", id)
	}
	return header, nil
}

// load reads the full interaction file: header plus every step line.
// Unparseable step lines are skipped.
func (r *Register) load(id string) (*models.Interaction, []models.InteractionStep, error) {
	file, err := os.Open(r.interactionPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, models.Errorf(models.KindNotFound, "Interaction %s not found", id)
		}
		return nil, nil, fmt.Errorf("failed to open interaction file: %w", err)
	}
	defer file.Close()

	var header *models.Interaction
	var steps []models.InteractionStep

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if header == nil {
			header, err = models.InteractionFromJSON(line)
			if err != nil {
				return nil, nil, fmt.Errorf("corrupt interaction header for %s: %w", id, err)
			}
			continue
		}
		step, serr := stepFromJSON(line)
		if serr != nil {
			r.logger.Warn().Str("interaction_id", id).Err(serr).Msg("Skipping corrupt UELR step line")
			continue
		}
		steps = append(steps, *step)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read interaction file: %w", err)
	}
	if header == nil {
		return nil, nil, models.Errorf(models.KindNotFound, "Interaction %s not found", id)
	}
	return header, steps, nil
}

// rewriteHeader replaces the first line of the interaction file, preserving
// every step line after it
func (r *Register) rewriteHeader(header *models.Interaction) error {
	path := r.interactionPath(header.InteractionID)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read interaction file: %w", err)
	}

	var rest []byte
	if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
		rest = data[idx+1:]
	}

	line, err := header.ToJSON()
	if err != nil {
		return err
	}
	out := make([]byte, 0, len(line)+1+len(rest))
	out = append(out, line...)
	out = append(out, '\n')
	out = append(out, rest...)

	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("failed to rewrite interaction file: %w", err)
	}
	return nil
}

// readIndex returns index entries in file order (newest first)
func (r *Register) readIndex() ([]*models.Interaction, error) {
	file, err := os.Open(r.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open uelr index: %w", err)
	}
	defer file.Close()

	var entries []*models.Interaction
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		entry, perr := models.InteractionFromJSON(line)
		if perr != nil {
			r.logger.Warn().Err(perr).Msg("Skipping corrupt UELR index line")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// writeIndex rewrites the whole index, newest first
func (r *Register) writeIndex(entries []*models.Interaction) error {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].StartedAt > entries[j].StartedAt
	})

	var buf bytes.Buffer
	for _, entry := range entries {
		line, err := entry.ToJSON()
		if err != nil {
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(r.indexPath(), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write uelr index: %w", err)
	}
	return nil
}

// upsertIndex replaces or inserts one entry and enforces the interaction
// cap: the oldest entries beyond max are dropped and their files deleted
func (r *Register) upsertIndex(header *models.Interaction) error {
	entries, err := r.readIndex()
	if err != nil {
		return err
	}

	replaced := false
	for i, entry := range entries {
		if entry.InteractionID == header.InteractionID {
			entries[i] = header
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, header)
	}

	if len(entries) > r.maxInteractions {
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].StartedAt > entries[j].StartedAt
		})
		for _, evicted := range entries[r.maxInteractions:] {
			if rmErr := os.Remove(r.interactionPath(evicted.InteractionID)); rmErr != nil && !os.IsNotExist(rmErr) {
				r.logger.Warn().Str("interaction_id", evicted.InteractionID).Err(rmErr).Msg("Failed to delete evicted interaction file")
			}
		}
		entries = entries[:r.maxInteractions]
	}

	return r.writeIndex(entries)
}

func (r *Register) removeFromIndex(id string) error {
	entries, err := r.readIndex()
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, entry := range entries {
		if entry.InteractionID != id {
			kept = append(kept, entry)
		}
	}
	return r.writeIndex(kept)
}

func stepToJSON(step *models.InteractionStep) ([]byte, error) {
	data, err := json.Marshal(step)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step: %w", err)
	}
	return data, nil
}

func stepFromJSON(data []byte) (*models.InteractionStep, error) {
	var step models.InteractionStep
	if err := json.Unmarshal(data, &step); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step: %w", err)
	}
	return &step, nil
}

var _ interfaces.InteractionService = (*Register)(nil)
