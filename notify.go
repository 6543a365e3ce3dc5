package zoesync

import (
	"github.com/rs/zerolog"
)

// ============================================================================
// Notification Surface
// ============================================================================

// Notifier is the one-way channel for user-visible toasts and badges.
// The core fires and forgets; implementations must not block.
type Notifier interface {
	Info(message string)
	Error(message string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) Info(string)  {}
func (NopNotifier) Error(string) {}

// LogNotifier routes notifications to a zerolog logger. Used by the CLI and
// as a sink in headless contexts.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) Info(message string)  { n.Logger.Info().Msg(message) }
func (n LogNotifier) Error(message string) { n.Logger.Error().Msg(message) }
