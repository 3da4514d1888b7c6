package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyTaskID     = "task_id"
	KeyRunID      = "run_id"
	KeyRunNumber  = "run"
	KeyStage      = "stage"
	KeyStatus     = "status"
	KeyBranch     = "branch"
	KeyVersion    = "version"
	KeyRepo       = "repository"
	KeySubscriber = "subscriber_id"
	KeyDurationMS = "duration_ms"
	KeyPath       = "path"
	KeyURL        = "url"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func TaskID(id string) slog.Attr      { return slog.String(KeyTaskID, id) }
func RunID(id string) slog.Attr       { return slog.String(KeyRunID, id) }
func RunNumber(n int) slog.Attr       { return slog.Int(KeyRunNumber, n) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func Status(s string) slog.Attr       { return slog.String(KeyStatus, s) }
func Branch(b string) slog.Attr       { return slog.String(KeyBranch, b) }
func Version(v string) slog.Attr      { return slog.String(KeyVersion, v) }
func Repository(r string) slog.Attr   { return slog.String(KeyRepo, r) }
func Subscriber(id string) slog.Attr  { return slog.String(KeySubscriber, id) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
