package websocket

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jarvisd/jarvisd/internal/common/logger"
	"github.com/jarvisd/jarvisd/internal/events"
	"github.com/jarvisd/jarvisd/internal/events/bus"
	ws "github.com/jarvisd/jarvisd/pkg/websocket"
)

// Session status values pushed to clients.
const (
	statusLoading = "loading"
	statusReady   = "ready"
)

// Broadcaster bridges bus events to connected clients.
type Broadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterNotifications wires every outbound event type onto the hub.
func RegisterNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *Broadcaster {
	b := &Broadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.forward(eventBus, events.SessionCreated, ws.ActionSessionCreated)
	b.forward(eventBus, events.SessionUpdated, ws.ActionSessionUpdated)
	b.forward(eventBus, events.SessionDeleted, ws.ActionSessionDeleted)
	b.forward(eventBus, events.SessionJarvisUpdated, ws.ActionSessionJarvisUpdated)

	b.subscribeTTS(eventBus)

	// The CLI is busy from prompt submit until its turn ends.
	b.forwardStatus(eventBus, events.LogUserPrompt, statusLoading)
	b.forwardStatus(eventBus, events.LogAssistantFirst, statusReady)
	b.forwardStatus(eventBus, events.LogStop, statusReady)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close removes all bus subscriptions.
func (b *Broadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *Broadcaster) forward(eventBus bus.EventBus, subject, action string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(action, event.Data)
		if err != nil {
			b.logger.Error("failed to build notification",
				zap.String("action", action), zap.Error(err))
			return nil
		}
		b.hub.Broadcast(msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to events",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

func (b *Broadcaster) subscribeTTS(eventBus bus.EventBus) {
	sub, err := eventBus.Subscribe(events.TTSSpeak, func(ctx context.Context, event *bus.Event) error {
		var data events.TTSEventData
		if err := events.ParseEventData(event.Data, &data); err != nil {
			b.logger.Warn("bad tts payload", zap.Error(err))
			return nil
		}
		msg, err := ws.NewNotification(ws.ActionTTS, map[string]interface{}{
			"session_id": data.SessionID,
			"text":       data.Text,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
			"length":     len(data.Text),
		})
		if err != nil {
			b.logger.Error("failed to build tts notification", zap.Error(err))
			return nil
		}
		b.hub.Broadcast(msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to tts events", zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

func (b *Broadcaster) forwardStatus(eventBus bus.EventBus, subject, status string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		var data events.LogEventData
		if err := events.ParseEventData(event.Data, &data); err != nil {
			b.logger.Warn("bad log event payload", zap.Error(err))
			return nil
		}
		if data.CLISessionID == "" {
			return nil
		}
		msg, err := ws.NewNotification(ws.ActionSessionStatusUpdate, map[string]interface{}{
			"cli_session_id": data.CLISessionID,
			"status":         status,
		})
		if err != nil {
			b.logger.Error("failed to build status notification", zap.Error(err))
			return nil
		}
		b.hub.Broadcast(msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to status events",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}
