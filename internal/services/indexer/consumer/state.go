package consumer

// State is the consumer lifecycle phase.
type State string

const (
	// StateSyncing pages committed history from the checkpoint.
	StateSyncing State = "syncing"
	// StateLive consumes the live stream one transition at a time.
	StateLive State = "live"
	// StateReconciling rolls the projection back after a retraction.
	StateReconciling State = "reconciling"
	// StatePaused waits to reconnect after a transient source failure.
	StatePaused State = "paused"
	// StateStopped means Run returned because its context ended.
	StateStopped State = "stopped"
	// StateFailed means Run returned a non-retryable error.
	StateFailed State = "failed"
)

// Healthy reports whether the consumer can still make progress.
func (s State) Healthy() bool {
	return s != StateFailed
}
