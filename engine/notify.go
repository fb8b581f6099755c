package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"rewardkit/core"
	"rewardkit/logging"
)

const (
	NotificationCategory    = "game_reward"
	defaultNotifyTimeout    = 5 * time.Second
	defaultNotifyChannel    = "in_app"
	notificationTitleReward = "Congratulations!"
)

// RewardNotification builds the user notification for a granted reward event.
func RewardNotification(ev core.Event, channels []string) core.Notification {
	if len(channels) == 0 {
		channels = []string{defaultNotifyChannel}
	}
	return core.Notification{
		UserID:        ev.UserID,
		Title:         notificationTitleReward,
		Message:       rewardMessage(ev.Reward),
		Category:      NotificationCategory,
		RelatedEntity: core.NotificationEntity{Type: "game", ID: string(ev.GameID)},
		Channels:      append([]string(nil), channels...),
	}
}

func rewardMessage(r *core.GrantedReward) string {
	if r == nil {
		return "Thanks for playing!"
	}
	value := strconv.FormatFloat(r.Value, 'f', -1, 64)
	var msg string
	switch r.Type {
	case core.RewardDiscount:
		msg = fmt.Sprintf("You won a %s%% discount.", value)
	case core.RewardPoints:
		msg = fmt.Sprintf("You won %s points.", value)
	case core.RewardFreeItem:
		msg = "You won a free item."
	case core.RewardFreeDelivery:
		msg = "You won free delivery."
	default:
		msg = "You won a reward."
	}
	if r.Code != "" {
		msg += " Use code " + r.Code + "."
	}
	return msg
}

// NotificationDispatcher forwards granted rewards to a Notifier. Attach it to
// an async bus so delivery never delays a play.
type NotificationDispatcher struct {
	notifier Notifier
	channels []string
	timeout  time.Duration
	logger   *slog.Logger
	onError  func(error)
}

// DispatcherOption configures a NotificationDispatcher.
type DispatcherOption func(*NotificationDispatcher)

func WithChannels(ch ...string) DispatcherOption {
	return func(d *NotificationDispatcher) { d.channels = ch }
}

func WithNotifyTimeout(t time.Duration) DispatcherOption {
	return func(d *NotificationDispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *NotificationDispatcher) { d.logger = l }
}

// WithErrorHook is called for every failed delivery (e.g. to count it).
func WithErrorHook(fn func(error)) DispatcherOption {
	return func(d *NotificationDispatcher) { d.onError = fn }
}

func NewNotificationDispatcher(n Notifier, opts ...DispatcherOption) *NotificationDispatcher {
	d := &NotificationDispatcher{notifier: n, timeout: defaultNotifyTimeout}
	for _, o := range opts {
		o(d)
	}
	d.logger = logging.OrDefault(d.logger)
	return d
}

// Attach subscribes the dispatcher to granted rewards and returns the unsubscribe func.
func (d *NotificationDispatcher) Attach(bus *EventBus) func() {
	return bus.Subscribe(core.EventRewardGranted, d.Handle)
}

// Handle delivers the notification for ev. Errors are logged, never returned.
func (d *NotificationDispatcher) Handle(ctx context.Context, ev core.Event) {
	if d.notifier == nil || ev.Type != core.EventRewardGranted {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	if err := d.notifier.Notify(ctx, RewardNotification(ev, d.channels)); err != nil {
		d.logger.Warn("reward notification failed",
			append(logging.PlayAttrs(string(ev.UserID), string(ev.GameID)), logging.FieldPlayID, ev.PlayID, "error", err)...)
		if d.onError != nil {
			d.onError(err)
		}
	}
}

// LogNotifier writes notifications to a logger; the default when no transport is configured.
type LogNotifier struct{ Logger *slog.Logger }

func (l LogNotifier) Notify(_ context.Context, n core.Notification) error {
	logging.OrDefault(l.Logger).Info("notification",
		logging.FieldUserID, n.UserID,
		"title", n.Title,
		"message", n.Message,
		"category", n.Category,
		"related_type", n.RelatedEntity.Type,
		"related_id", n.RelatedEntity.ID,
		"channels", n.Channels)
	return nil
}

// MultiNotifier fans a notification out to several notifiers and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n core.Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
