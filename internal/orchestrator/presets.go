package orchestrator

import (
	"fmt"

	"speech-to-video/internal/planner"
	"speech-to-video/internal/provider"
)

// Preset is a fixed request shape: the caller's brief is framed once, then each
// scene adds its own direction. Scenes share one seed and are stitched in order.
type Preset struct {
	// Frame is a format string with one %s for the brief.
	Frame       string
	Scenes      []PresetScene
	Model       string
	AspectRatio string
	Quality     provider.Quality
	Resolution  string
}

// PresetScene is one scene of a preset.
type PresetScene struct {
	Duration  int
	Direction string
}

// AdPreset is a two-scene TV spot: a hook, then the call to action and logo,
// 8 seconds each at 16:9. model and resolution are the provider settings for it.
func AdPreset(model, resolution string) Preset {
	return Preset{
		Frame: "Create a cinematic, high-energy 16-second TV commercial. " +
			"Open cold with a hook in the first two seconds, show the product with dynamic cuts and bold on-screen text, " +
			"keep the pacing quick and family friendly, and close on a hero shot with the brand logo. " +
			"Creative brief: %s",
		Scenes: []PresetScene{
			{Duration: 8, Direction: "Scene 1 (hook). Keep BRAND_HERO identical."},
			{Duration: 8, Direction: "Scene 2 (call to action and logo). Keep BRAND_HERO identical."},
		},
		Model:       model,
		AspectRatio: "16:9",
		Quality:     provider.QualityHigh,
		Resolution:  resolution,
	}
}

// Total returns the preset's length in seconds.
func (p Preset) Total() int {
	total := 0
	for _, sc := range p.Scenes {
		total += sc.Duration
	}
	return total
}

// apply fixes req's duration and fills provider settings the caller left empty.
func (p Preset) apply(req GenerationRequest) GenerationRequest {
	req.Duration = p.Total()
	if req.Model == "" {
		req.Model = p.Model
	}
	if req.AspectRatio == "" {
		req.AspectRatio = p.AspectRatio
	}
	if req.Quality == "" {
		req.Quality = p.Quality
	}
	if req.Resolution == "" {
		req.Resolution = p.Resolution
	}
	return req
}

// plan lays the scenes out as segments, using the longest scene as the ceiling.
func (p Preset) plan() (planner.SegmentPlan, error) {
	ceiling := 0
	durations := make([]int, len(p.Scenes))
	for i, sc := range p.Scenes {
		durations[i] = sc.Duration
		ceiling = max(ceiling, sc.Duration)
	}
	return planner.WithSplit(p.Total(), ceiling, durations, nil)
}

// prompts returns one prompt per scene for brief.
func (p Preset) prompts(brief string) []string {
	framed := fmt.Sprintf(p.Frame, brief)
	out := make([]string, len(p.Scenes))
	for i, sc := range p.Scenes {
		out[i] = framed + " " + sc.Direction
	}
	return out
}
