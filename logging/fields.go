package logging

import "log/slog"

// Common structured log field keys to keep logs searchable/consistent.
const (
	FieldService    = "service"
	FieldUserID     = "user_id"
	FieldGameID     = "game_id"
	FieldPlayID     = "play_id"
	FieldRewardID   = "reward_id"
	FieldAttempt    = "attempt"
	FieldReason     = "reason"
	FieldPath       = "path"
	FieldMethod     = "method"
	FieldStatusCode = "status_code"
	FieldDurationMS = "duration_ms"
)

// PlayAttrs returns the fields identifying a play attempt.
func PlayAttrs(user, game string) []any {
	return []any{FieldUserID, user, FieldGameID, game}
}

// OrDefault returns logger, or slog.Default when logger is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}
