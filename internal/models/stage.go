package models

// TrainingStage represents where a training job is inside its run.
// Stages advance strictly forward except for the sampling loop
// (training → sampling → training) and cancellation, which is reachable
// from any non-terminal stage.
type TrainingStage string

const (
	StageQueued           TrainingStage = "queued"
	StageInitializing     TrainingStage = "initializing"
	StagePreparingDataset TrainingStage = "preparing_dataset"
	StageCaptioning       TrainingStage = "captioning"
	StageTraining         TrainingStage = "training"
	StageSampling         TrainingStage = "sampling"
	StageExporting        TrainingStage = "exporting"
	StageCompleted        TrainingStage = "completed"
	StageFailed           TrainingStage = "failed"
	StageCancelled        TrainingStage = "cancelled"
)

// stageTransitions defines the allowed forward edges of the stage machine.
// failed and cancelled are handled separately: failed is reachable from any
// non-terminal stage, cancelled likewise.
var stageTransitions = map[TrainingStage][]TrainingStage{
	StageQueued:           {StageInitializing},
	StageInitializing:     {StagePreparingDataset},
	StagePreparingDataset: {StageCaptioning, StageTraining},
	StageCaptioning:       {StageTraining},
	StageTraining:         {StageSampling, StageExporting},
	StageSampling:         {StageTraining, StageExporting},
	StageExporting:        {StageCompleted},
	StageCompleted:        {},
	StageFailed:           {},
	StageCancelled:        {},
}

// IsValid checks if the TrainingStage is a known, valid value
func (s TrainingStage) IsValid() bool {
	_, ok := stageTransitions[s]
	return ok
}

// IsTerminal returns true for stages a job can never leave
func (s TrainingStage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// CanTransition reports whether moving from s to next is a legal stage change.
// Re-entering the current stage is not a transition and returns false.
func (s TrainingStage) CanTransition(next TrainingStage) bool {
	if !s.IsValid() || !next.IsValid() {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	// failure and cancellation short-circuit the forward path
	if next == StageFailed || next == StageCancelled {
		return true
	}
	for _, allowed := range stageTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// String returns the string representation of the TrainingStage
func (s TrainingStage) String() string {
	return string(s)
}

// AllTrainingStages returns a slice of all valid TrainingStage values
func AllTrainingStages() []TrainingStage {
	return []TrainingStage{
		StageQueued,
		StageInitializing,
		StagePreparingDataset,
		StageCaptioning,
		StageTraining,
		StageSampling,
		StageExporting,
		StageCompleted,
		StageFailed,
		StageCancelled,
	}
}
