package core

import "time"

// EventType enumerates domain events.
type EventType string

const (
	EventRewardGranted    EventType = "reward_granted"
	EventPlayDenied       EventType = "play_denied"
	EventPlayFailed       EventType = "play_failed"
	EventAwardCompensated EventType = "award_compensated"
)

// Failure kinds carried by EventPlayFailed.
const (
	FailureNoReward = "no_reward_available"
	FailureConflict = "concurrent_conflict"
	FailureStorage  = "storage"
)

// Event represents an immutable domain event.
type Event struct {
	Type     EventType      `json:"type"`
	Time     time.Time      `json:"time"`
	UserID   UserID         `json:"user_id"`
	GameID   GameID         `json:"game_id"`
	PlayID   PlayID         `json:"play_id,omitempty"`
	Reward   *GrantedReward `json:"reward,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func NewRewardGranted(p Play) Event {
	return Event{Type: EventRewardGranted, Time: p.PlayDate.UTC(), UserID: p.UserID, GameID: p.GameID, PlayID: p.ID, Reward: p.Reward}
}

func NewPlayDenied(user UserID, game GameID, reason DenyReason) Event {
	return Event{Type: EventPlayDenied, Time: time.Now().UTC(), UserID: user, GameID: game, Reason: string(reason)}
}

func NewPlayFailed(user UserID, game GameID, kind string) Event {
	return Event{Type: EventPlayFailed, Time: time.Now().UTC(), UserID: user, GameID: game, Reason: kind}
}

func NewAwardCompensated(user UserID, game GameID, slot RewardID) Event {
	return Event{
		Type:     EventAwardCompensated,
		Time:     time.Now().UTC(),
		UserID:   user,
		GameID:   game,
		Metadata: map[string]any{"reward_id": string(slot)},
	}
}

// NotificationEntity points a notification at the record it is about.
type NotificationEntity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Notification is the payload handed to a Notifier.
type Notification struct {
	UserID        UserID             `json:"user_id"`
	Title         string             `json:"title"`
	Message       string             `json:"message"`
	Category      string             `json:"category"`
	RelatedEntity NotificationEntity `json:"related_entity"`
	Channels      []string           `json:"channels,omitempty"`
}
