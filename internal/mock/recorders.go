package mock

import (
	"context"
	"sync"

	"grid_trader/internal/core"
)

// MemoryJournal collects events in memory.
type MemoryJournal struct {
	mu     sync.Mutex
	Events []core.TradeEvent
}

func NewMemoryJournal() *MemoryJournal { return &MemoryJournal{} }

func (j *MemoryJournal) Record(ev core.TradeEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Events = append(j.Events, ev)
	return nil
}

func (j *MemoryJournal) Close() error { return nil }

// EventNames returns the recorded event labels in order.
func (j *MemoryJournal) EventNames() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	names := make([]string, len(j.Events))
	for i, ev := range j.Events {
		names[i] = ev.Event
	}
	return names
}

// NopAlerter discards notifications.
type NopAlerter struct{}

func (NopAlerter) Notify(context.Context, string, string) {}

// NopLogger discards log output.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{})                {}
func (NopLogger) Info(string, ...interface{})                 {}
func (NopLogger) Warn(string, ...interface{})                 {}
func (NopLogger) Error(string, ...interface{})                {}
func (NopLogger) Fatal(string, ...interface{})                {}
func (n NopLogger) WithField(string, interface{}) core.Logger { return n }
