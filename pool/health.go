package pool

// Health describes the observed state of a backend session.
type Health int

const (
	// HealthHealthy means the last invoke succeeded (or none happened yet).
	HealthHealthy Health = iota
	// HealthDegraded means recent invokes failed but the session is
	// still below the failure threshold.
	HealthDegraded
	// HealthFailed means the session crossed the failure threshold and
	// will be replaced on next use.
	HealthFailed
)

// failureThreshold is the number of consecutive invoke failures after
// which a session is marked failed.
const failureThreshold = 3

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthFailed:
		return "failed"
	default:
		return "unknown"
	}
}
