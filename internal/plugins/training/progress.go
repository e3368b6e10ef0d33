package training

import (
	"regexp"
	"strconv"

	"github.com/ternarybob/effigo/internal/models"
)

// Trainer output markers. ai-toolkit interleaves its own step lines with
// tqdm progress bars and occasional metric dumps; all three shapes feed the
// same parser.
var (
	stepRe   = regexp.MustCompile(`(?i)\bstep[:\s]+(\d+)\s*/\s*(\d+)`)
	tqdmRe   = regexp.MustCompile(`(\d+)%\|.*\|\s*(\d+)/(\d+)`)
	lossRe   = regexp.MustCompile(`(?i)\bloss[:=]\s*([0-9]*\.?[0-9]+(?:[eE][-+]?[0-9]+)?)`)
	lrRe     = regexp.MustCompile(`(?i)\blr[:=]\s*([0-9]*\.?[0-9]+(?:[eE][-+]?[0-9]+)?)`)
	sampleRe = regexp.MustCompile(`(\S+[/\\]samples[/\\]\S+\.(?:png|jpe?g))`)
)

// lineParser accumulates training progress from trainer output lines.
// Steps are monotonic: a parsed step at or below the current one never
// produces an update, so tqdm redraws and log replays cannot walk progress
// backwards.
type lineParser struct {
	step  int
	total int
	loss  *float64
	lr    *float64

	pendingSample string
}

// Parse consumes one output line. It returns a progress update when the line
// advanced the step counter or carried a new sample path; metric-only lines
// are absorbed into parser state and ride along with the next update.
func (lp *lineParser) Parse(line string) (models.TrainingProgress, bool) {
	if m := lossRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			lp.loss = &v
		}
	}
	if m := lrRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			lp.lr = &v
		}
	}
	if m := sampleRe.FindStringSubmatch(line); m != nil {
		lp.pendingSample = m[1]
	}

	advanced := false
	if m := stepRe.FindStringSubmatch(line); m != nil {
		advanced = lp.advance(m[1], m[2])
	} else if m := tqdmRe.FindStringSubmatch(line); m != nil {
		advanced = lp.advance(m[2], m[3])
	}

	if !advanced && lp.pendingSample == "" {
		return models.TrainingProgress{}, false
	}

	update := models.TrainingProgress{
		CurrentStep:  lp.step,
		TotalSteps:   lp.total,
		Loss:         lp.loss,
		LearningRate: lp.lr,
		PreviewPath:  lp.pendingSample,
	}
	lp.pendingSample = ""
	return update, true
}

func (lp *lineParser) advance(stepStr, totalStr string) bool {
	step, err := strconv.Atoi(stepStr)
	if err != nil || step <= lp.step {
		return false
	}
	total, err := strconv.Atoi(totalStr)
	if err != nil || total <= 0 {
		return false
	}
	lp.step = step
	lp.total = total
	return true
}
