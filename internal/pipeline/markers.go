package pipeline

import (
	"fmt"
	"strings"
)

// Marker lines are the durable textual boundaries bracketing each stage's
// output in the flat run log. The pipeline and any log-derived status
// reconstruction must use these exact formats; both live in this file so
// they cannot drift apart.
const (
	// MarkerTag is the correlation tag on every pipeline marker line.
	MarkerTag = "Build Stages"

	stageStartedFmt   = "stage started: %s"
	stageCompletedFmt = "stage completed: %s"
	stageFailedFmt    = "stage failed: %s"
	cancelSkipMarker  = "skipped remaining stages: build terminated"
	allCompleteMarker = "all stages completed"
	emptyStagesMarker = "no build stages configured"
)

// StageStartedMarker formats the "stage started" boundary for a stage name.
func StageStartedMarker(name string) string { return fmt.Sprintf(stageStartedFmt, name) }

// StageCompletedMarker formats the "stage completed" boundary for a stage name.
func StageCompletedMarker(name string) string { return fmt.Sprintf(stageCompletedFmt, name) }

// StageFailedMarker formats the failure diagnostic for a stage name.
func StageFailedMarker(name string) string { return fmt.Sprintf(stageFailedFmt, name) }

// taggedMarker renders a marker the way the orchestrator's sink tags stage
// lines, for use by log reconstruction.
func taggedMarker(marker string) string { return fmt.Sprintf("[%s] %s", MarkerTag, marker) }

// containsTaggedMarker reports whether a log line carries the given marker.
func containsTaggedMarker(line, marker string) bool {
	return strings.Contains(line, taggedMarker(marker))
}
