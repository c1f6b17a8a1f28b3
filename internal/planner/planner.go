// Package planner splits a requested output duration into provider-sized segments.
package planner

import (
	"fmt"

	"speech-to-video/internal/errs"
)

// MaxSegments bounds how many provider jobs a single plan may fan out to.
const MaxSegments = 100

// ErrInvalidDuration is returned for a non-positive requested duration.
var ErrInvalidDuration = errs.New(errs.KindInvalidRequest, "planner", "InvalidDuration: duration must be positive")

// SegmentSpec describes one provider job. Durations are whole seconds, which is what
// generation providers accept.
type SegmentSpec struct {
	Index          int    `json:"index"`
	Duration       int    `json:"duration"`
	PromptOverride string `json:"prompt_override,omitempty"`
}

// SegmentPlan is the immutable, ordered list of segments for one request.
type SegmentPlan struct {
	total    int
	ceiling  int
	segments []SegmentSpec
}

// Len returns the number of segments.
func (p SegmentPlan) Len() int { return len(p.segments) }

// Total returns the requested duration the plan covers.
func (p SegmentPlan) Total() int { return p.total }

// Ceiling returns the per-call duration ceiling the plan was built against.
func (p SegmentPlan) Ceiling() int { return p.ceiling }

// Segments returns a copy of the segment list in index order.
func (p SegmentPlan) Segments() []SegmentSpec {
	out := make([]SegmentSpec, len(p.segments))
	copy(out, p.segments)
	return out
}

// Segment returns the segment at index i.
func (p SegmentPlan) Segment(i int) SegmentSpec { return p.segments[i] }

// WithPrompts returns a copy of the plan whose segments carry the given prompt
// overrides. Missing or empty prompts leave the segment without an override.
func (p SegmentPlan) WithPrompts(prompts []string) SegmentPlan {
	out := SegmentPlan{total: p.total, ceiling: p.ceiling, segments: p.Segments()}
	for i := range out.segments {
		if i < len(prompts) && prompts[i] != "" {
			out.segments[i].PromptOverride = prompts[i]
		}
	}
	return out
}

// Count returns ceil(total/ceiling), the number of segments any valid plan has.
func Count(total, ceiling int) int {
	n := total / ceiling
	if total%ceiling != 0 {
		n++
	}
	return n
}

// Plan fills ceiling-length segments in order and puts the remainder in the last one,
// so 25s at a 10s ceiling becomes 10, 10, 5.
func Plan(total, ceiling int) (SegmentPlan, error) {
	if err := validate(total, ceiling); err != nil {
		return SegmentPlan{}, err
	}
	n := Count(total, ceiling)
	segs := make([]SegmentSpec, n)
	remaining := total
	for i := 0; i < n; i++ {
		d := ceiling
		if remaining < ceiling {
			d = remaining
		}
		segs[i] = SegmentSpec{Index: i, Duration: d}
		remaining -= d
	}
	return SegmentPlan{total: total, ceiling: ceiling, segments: segs}, nil
}

// Balanced spreads total evenly over ceil(total/ceiling) segments. Leftover seconds go
// to the earliest segments, so 25s at a 10s ceiling becomes 9, 8, 8.
func Balanced(total, ceiling int) (SegmentPlan, error) {
	if err := validate(total, ceiling); err != nil {
		return SegmentPlan{}, err
	}
	n := Count(total, ceiling)
	base, extra := total/n, total%n
	segs := make([]SegmentSpec, n)
	for i := 0; i < n; i++ {
		d := base
		if i < extra {
			d++
		}
		segs[i] = SegmentSpec{Index: i, Duration: d}
	}
	return SegmentPlan{total: total, ceiling: ceiling, segments: segs}, nil
}

// WithSplit builds a plan from a caller-supplied split, for example one that follows
// natural transcript breakpoints. prompts may be nil or shorter than durations.
func WithSplit(total, ceiling int, durations []int, prompts []string) (SegmentPlan, error) {
	if err := validate(total, ceiling); err != nil {
		return SegmentPlan{}, err
	}
	if want := Count(total, ceiling); len(durations) != want {
		return SegmentPlan{}, errs.Newf(errs.KindInvalidRequest, "planner",
			"split has %d segments, want %d", len(durations), want)
	}
	sum := 0
	segs := make([]SegmentSpec, len(durations))
	for i, d := range durations {
		if d <= 0 || d > ceiling {
			return SegmentPlan{}, errs.Newf(errs.KindInvalidRequest, "planner",
				"segment %d duration %ds outside (0, %d]", i, d, ceiling)
		}
		sum += d
		segs[i] = SegmentSpec{Index: i, Duration: d}
		if i < len(prompts) {
			segs[i].PromptOverride = prompts[i]
		}
	}
	if sum != total {
		return SegmentPlan{}, errs.Newf(errs.KindInvalidRequest, "planner",
			"split sums to %ds, want %ds", sum, total)
	}
	return SegmentPlan{total: total, ceiling: ceiling, segments: segs}, nil
}

func validate(total, ceiling int) error {
	if total <= 0 {
		return ErrInvalidDuration
	}
	if ceiling <= 0 {
		return errs.New(errs.KindInvalidRequest, "planner", fmt.Sprintf("ceiling must be positive, got %d", ceiling))
	}
	if n := Count(total, ceiling); n > MaxSegments {
		return errs.Newf(errs.KindInvalidRequest, "planner",
			"%ds needs %d segments of at most %ds, limit is %d", total, n, ceiling, MaxSegments)
	}
	return nil
}
