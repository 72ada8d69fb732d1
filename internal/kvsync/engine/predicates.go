package engine

import "time"

// WelcomeInput is what the engine knows when a welcome arrives.
type WelcomeInput struct {
	LocalChecksum   string
	ServerChecksum  string
	QueueLength     int
	HasPendingBatch bool
	// ServerSnapshot is nil when the welcome did not inline the snapshot.
	ServerSnapshot map[string]string
}

func (in WelcomeInput) diverged() bool {
	return in.ServerChecksum != "" && in.LocalChecksum != in.ServerChecksum
}

func (in WelcomeInput) hasWork() bool {
	return in.QueueLength > 0 || in.HasPendingBatch
}

// ShouldRebaseQueueFromServerOnWelcome reports whether local work must be
// replayed on top of the server state because the checksums diverged.
func ShouldRebaseQueueFromServerOnWelcome(in WelcomeInput) bool {
	return in.diverged() && in.hasWork()
}

// ShouldHydrateFromServerOnWelcome reports whether the server state can be
// adopted as is: the checksums diverged and nothing local is pending.
func ShouldHydrateFromServerOnWelcome(in WelcomeInput) bool {
	return in.diverged() && !in.hasWork()
}

// ShouldRebaseQueueFromWelcomeSnapshotImmediately is the rebase case when the
// welcome carried the snapshot, so no fetch is needed.
func ShouldRebaseQueueFromWelcomeSnapshotImmediately(in WelcomeInput) bool {
	return in.ServerSnapshot != nil && ShouldRebaseQueueFromServerOnWelcome(in)
}

// ShouldApplyWelcomeSnapshotImmediately is the hydrate case when the welcome
// carried the snapshot.
func ShouldApplyWelcomeSnapshotImmediately(in WelcomeInput) bool {
	return in.ServerSnapshot != nil && ShouldHydrateFromServerOnWelcome(in)
}

// StartupInput compares the persisted local state with the server state
// fetched when the engine starts.
type StartupInput struct {
	LocalVersion     int64
	ServerVersion    int64
	LocalChecksum    string
	ServerChecksum   string
	QueueLength      int
	HasPendingBatch  bool
	LocalEntryCount  int
	ServerEntryCount int
}

// ShouldApplyStartupServerState reports whether the fetched server state
// should replace the local state at startup: nothing is pending locally, the
// checksums differ, and either the server is newer or the local store is
// blank while the server is not.
func ShouldApplyStartupServerState(in StartupInput) bool {
	if in.QueueLength > 0 || in.HasPendingBatch {
		return false
	}
	if in.LocalChecksum == in.ServerChecksum {
		return false
	}
	if in.ServerVersion > in.LocalVersion {
		return true
	}
	return in.LocalEntryCount == 0 && in.ServerEntryCount > 0
}

// ShouldRecoverAfterApplied reports whether the state announced with an
// applied differential shows the local store has diverged. Nothing is
// decided while a request is in flight; its ack or rejection is checked
// again.
func ShouldRecoverAfterApplied(localChecksum, serverChecksum, inFlightID string) bool {
	if inFlightID != "" {
		return false
	}
	return serverChecksum == "" || localChecksum != serverChecksum
}

// ShouldRebaseBeforePush reports whether queued work must be rebased onto
// the fetched server state before the local snapshot is pushed over HTTP:
// the server no longer holds the state the queue was built on.
func ShouldRebaseBeforePush(lastServerChecksum, fetchedChecksum string) bool {
	return lastServerChecksum != fetchedChecksum
}

// ShouldRunHTTPFallbackSync reports whether the polling path should run.
func ShouldRunHTTPFallbackSync(channelOpen, online bool) bool {
	return online && !channelOpen
}

// Strategy is how queued differentials are transmitted.
type Strategy int

const (
	// StrategyIncremental sends the queue head and waits for its ack.
	StrategyIncremental Strategy = iota
	// StrategyOfflineBatch sends every queued differential as one batch.
	StrategyOfflineBatch
)

func (s Strategy) String() string {
	if s == StrategyOfflineBatch {
		return "offline-batch"
	}
	return "incremental"
}

// ChooseStrategy picks the batch strategy only for a queue that accumulated
// more than one differential during an offline period.
func ChooseStrategy(offlineSince time.Time, queueLength int) Strategy {
	if !offlineSince.IsZero() && queueLength > 1 {
		return StrategyOfflineBatch
	}
	return StrategyIncremental
}
