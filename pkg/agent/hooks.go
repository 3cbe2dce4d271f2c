package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Sternrassler/offline-agent/pkg/logging"
	"github.com/rs/zerolog"
)

// SyncTagOfflineData is the tag the application registers to flush
// submissions made while offline.
const SyncTagOfflineData = "sync-data"

// Notification defaults applied when a push payload omits a field.
const (
	DefaultNotificationTitle = "Harit Swaraj"
	DefaultNotificationBody  = "New notification"
	DefaultNotificationIcon  = "/logo192.png"
)

// SyncFunc drains an application-defined queue of deferred work.
type SyncFunc func(ctx context.Context) error

// Notification is what a push event displays.
type Notification struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Icon    string `json:"icon"`
	Badge   string `json:"badge"`
	Vibrate []int  `json:"vibrate"`
}

// ParseNotification decodes a push payload and fills in defaults. An empty
// payload is treated as an empty object.
func ParseNotification(payload []byte) (Notification, error) {
	var msg struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, &msg); err != nil {
			return Notification{}, fmt.Errorf("decode push payload: %w", err)
		}
	}

	n := Notification{
		Title:   msg.Title,
		Body:    msg.Body,
		Icon:    DefaultNotificationIcon,
		Badge:   DefaultNotificationIcon,
		Vibrate: []int{200, 100, 200},
	}
	if n.Title == "" {
		n.Title = DefaultNotificationTitle
	}
	if n.Body == "" {
		n.Body = DefaultNotificationBody
	}
	return n, nil
}

// Notifier presents a notification to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f(ctx, n).
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier that logs at info level.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs n.
func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.logger.Info().
		Str("title", n.Title).
		Str("body", n.Body).
		Str("icon", n.Icon).
		Msg("Notification")
	return nil
}

// Hooks dispatches background sync and push events. One Hooks value is
// shared by every agent a Registration installs, so handlers registered once
// survive generation changes.
type Hooks struct {
	mu       sync.RWMutex
	sync     map[string]SyncFunc
	notifier Notifier
	logger   zerolog.Logger
}

// NewHooks creates a dispatcher. A nil notifier logs notifications.
func NewHooks(notifier Notifier) *Hooks {
	logger := logging.NewLogger("hooks")
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Hooks{
		sync:     make(map[string]SyncFunc),
		notifier: notifier,
		logger:   logger,
	}
}

// OnSync registers fn for tag, replacing any previous handler.
func (h *Hooks) OnSync(tag string, fn SyncFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn == nil {
		delete(h.sync, tag)
		return
	}
	h.sync[tag] = fn
}

// Sync runs the handler registered for tag. Unknown tags are logged and
// ignored. Nothing is queued or retried here: the handler owns its queue.
func (h *Hooks) Sync(ctx context.Context, tag string) error {
	h.mu.RLock()
	fn, ok := h.sync[tag]
	h.mu.RUnlock()

	if !ok {
		agentHookEventsTotal.WithLabelValues("sync", "ignored").Inc()
		h.logger.Debug().Str("tag", tag).Msg("No sync handler registered")
		return nil
	}

	h.logger.Info().Str("tag", tag).Msg("Background sync started")
	if err := fn(ctx); err != nil {
		agentHookEventsTotal.WithLabelValues("sync", "error").Inc()
		h.logger.Warn().Err(err).Str("tag", tag).Msg("Background sync failed")
		return fmt.Errorf("sync %q: %w", tag, err)
	}
	agentHookEventsTotal.WithLabelValues("sync", "ok").Inc()
	return nil
}

// Push parses payload and hands the notification to the notifier.
func (h *Hooks) Push(ctx context.Context, payload []byte) error {
	n, err := ParseNotification(payload)
	if err != nil {
		agentHookEventsTotal.WithLabelValues("push", "error").Inc()
		return err
	}
	if err := h.notifier.Notify(ctx, n); err != nil {
		agentHookEventsTotal.WithLabelValues("push", "error").Inc()
		return fmt.Errorf("notify: %w", err)
	}
	agentHookEventsTotal.WithLabelValues("push", "ok").Inc()
	return nil
}
