package training

import "testing"

func TestLineParserStepFormats(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		step  int
		total int
	}{
		{"plain", "step 10/100", 10, 100},
		{"colon", "Step: 42/1000", 42, 1000},
		{"tqdm", `45%|████▌     | 450/1000 [00:12<00:15, 36.21it/s]`, 450, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lp := &lineParser{}
			update, ok := lp.Parse(tt.line)
			if !ok {
				t.Fatalf("Parse(%q) produced no update", tt.line)
			}
			if update.CurrentStep != tt.step || update.TotalSteps != tt.total {
				t.Errorf("got step %d/%d, want %d/%d", update.CurrentStep, update.TotalSteps, tt.step, tt.total)
			}
		})
	}
}

func TestLineParserMonotonicSteps(t *testing.T) {
	lp := &lineParser{}
	if _, ok := lp.Parse("step 50/100"); !ok {
		t.Fatal("expected update for step 50")
	}
	if _, ok := lp.Parse("step 20/100"); ok {
		t.Error("step regression must not produce an update")
	}
	if _, ok := lp.Parse("step 50/100"); ok {
		t.Error("repeated step must not produce an update")
	}
	update, ok := lp.Parse("step 51/100")
	if !ok || update.CurrentStep != 51 {
		t.Errorf("expected step 51, got %+v ok=%v", update, ok)
	}
}

func TestLineParserMetrics(t *testing.T) {
	lp := &lineParser{}

	// Metric-only lines are absorbed, not emitted
	if _, ok := lp.Parse("loss: 0.0453, lr: 1.0e-04"); ok {
		t.Fatal("metric-only line must not produce an update")
	}

	update, ok := lp.Parse("step 1/100")
	if !ok {
		t.Fatal("expected update for step 1")
	}
	if update.Loss == nil || *update.Loss != 0.0453 {
		t.Errorf("loss not carried: %+v", update.Loss)
	}
	if update.LearningRate == nil || *update.LearningRate != 1.0e-04 {
		t.Errorf("lr not carried: %+v", update.LearningRate)
	}

	// Equals-style metrics on the step line itself
	update, ok = lp.Parse("step 2/100 loss=0.044")
	if !ok || update.Loss == nil || *update.Loss != 0.044 {
		t.Errorf("inline loss not parsed: %+v", update)
	}
}

func TestLineParserSamplePath(t *testing.T) {
	lp := &lineParser{}
	lp.Parse("step 10/100")

	update, ok := lp.Parse("saved sample to /data/run/samples/step_10.png")
	if !ok {
		t.Fatal("sample line must produce an update")
	}
	if update.PreviewPath != "/data/run/samples/step_10.png" {
		t.Errorf("unexpected preview path %q", update.PreviewPath)
	}
	if update.CurrentStep != 10 {
		t.Errorf("sample update must keep the current step, got %d", update.CurrentStep)
	}

	// The sample path is attached once, not repeated
	update, ok = lp.Parse("step 11/100")
	if !ok {
		t.Fatal("expected update for step 11")
	}
	if update.PreviewPath != "" {
		t.Errorf("preview path leaked into later update: %q", update.PreviewPath)
	}
}

func TestLineParserIgnoresNoise(t *testing.T) {
	lp := &lineParser{}
	for _, line := range []string{
		"",
		"Loading model weights...",
		"timestep embedding initialized",
		"saved checkpoint step_100.safetensors",
	} {
		if _, ok := lp.Parse(line); ok {
			t.Errorf("line %q must not produce an update", line)
		}
	}
}
