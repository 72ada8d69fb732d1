package conn

import "time"

// Reconnect defaults.
const (
	InitialReconnectDelay   = 1500 * time.Millisecond
	MaxReconnectDelay       = 60 * time.Second
	DormantReconnectDelay   = 5 * time.Minute
	DormantFailureThreshold = 3
)

// NextReconnectDelay doubles current up to maxDelay. A non-positive current
// is treated as InitialReconnectDelay, and maxDelay is never below it.
func NextReconnectDelay(current, maxDelay time.Duration) time.Duration {
	return doubleDelay(current, InitialReconnectDelay, maxDelay)
}

func doubleDelay(current, initial, maxDelay time.Duration) time.Duration {
	if current <= 0 {
		current = initial
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	next := current * 2
	if next > maxDelay || next <= 0 {
		return maxDelay
	}
	return next
}

// ShouldEnterDormantReconnect reports whether reconnecting should back off to
// the dormant interval: only before the first successful connection, once
// consecutive failures reach threshold.
func ShouldEnterDormantReconnect(hasEverConnected bool, consecutiveFailures, threshold int) bool {
	if threshold <= 0 {
		threshold = DormantFailureThreshold
	}
	return !hasEverConnected && consecutiveFailures >= threshold
}
