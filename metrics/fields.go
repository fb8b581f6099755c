package metrics

// Common metric label keys to keep telemetry consistent/searchable.
const (
	LabelMethod  = "method"
	LabelPath    = "path"
	LabelStatus  = "status"
	LabelOutcome = "outcome"
	LabelGame    = "game_id"
	LabelType    = "reward_type"
	LabelReason  = "reason"
	LabelKind    = "kind"
)

// Play outcomes.
const (
	OutcomeGranted = "granted"
	OutcomeDenied  = "denied"
	OutcomeFailed  = "failed"
)
