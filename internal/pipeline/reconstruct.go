package pipeline

import "strings"

// StageStatus is a per-stage outcome reconstructed from a flat run log.
type StageStatus string

const (
	StageStatusCompleted  StageStatus = "completed"
	StageStatusFailed     StageStatus = "failed"
	StageStatusNotStarted StageStatus = "not_started"
)

// ReconstructStageStatus derives a stage's outcome by scanning a flat run
// log for the marker boundaries. It exists only as a fallback for runs
// recorded before structured stage results; new runs carry their outcomes in
// the timing records. A stage whose free-text name collides with marker
// text can confuse this scan, which is exactly why the structured path
// replaced it.
func ReconstructStageStatus(log string, stageName string) StageStatus {
	started := false
	startMarker := StageStartedMarker(stageName)
	completedMarker := StageCompletedMarker(stageName)
	failedMarker := StageFailedMarker(stageName)

	for _, line := range strings.Split(log, "\n") {
		switch {
		case containsTaggedMarker(line, completedMarker):
			return StageStatusCompleted
		case containsTaggedMarker(line, failedMarker):
			return StageStatusFailed
		case containsTaggedMarker(line, startMarker):
			started = true
		}
	}
	if started {
		return StageStatusFailed
	}
	return StageStatusNotStarted
}
