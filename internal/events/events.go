package events

import "github.com/asaskevich/EventBus"

// GlobalBus is the shared event bus for the entire application
var GlobalBus EventBus.Bus

func init() {
	GlobalBus = EventBus.New()
}

// Event types for application-wide coordination
const (
	// Shutdown events
	EventShutdownRequested = "app:shutdown:requested"
	EventShutdownComplete  = "app:shutdown:complete"

	// Board events. Status handlers receive the status name, error handlers the error.
	EventBoardStatus = "board:status"
	EventBoardError  = "board:error"

	// Sync events. Progress handlers receive the progress line, done handlers
	// receive the method name and the final error (nil on success).
	EventSyncProgress = "sync:progress"
	EventSyncDone     = "sync:done"

	// Watcher events
	EventWatcherStarted = "watcher:started"
	EventWatcherStopped = "watcher:stopped"
)
