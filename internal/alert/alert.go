// Package alert pushes operator notifications through configured
// channels. Delivery is asynchronous and never blocks the trading path.
package alert

import (
	"context"
	"sync"
	"time"

	"grid_trader/internal/core"
)

type Payload struct {
	Title     string
	Message   string
	Timestamp time.Time
}

type Channel interface {
	Send(ctx context.Context, payload Payload) error
	Name() string
}

// Manager fans alerts out to every channel. It implements core.Alerter.
type Manager struct {
	channels []Channel
	logger   core.Logger
	mu       sync.RWMutex
}

func NewManager(logger core.Logger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Notify sends the alert to all channels in the background, each with
// its own delivery timeout.
func (m *Manager) Notify(ctx context.Context, title, message string) {
	payload := Payload{
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		go func(c Channel) {
			timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
