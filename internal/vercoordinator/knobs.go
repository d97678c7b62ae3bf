package vercoordinator

// Knobs holds the tunable constants of spec §6.3 governing version
// allocation rate.
type Knobs struct {
	// VersionsPerSecond is the target version-allocation rate.
	VersionsPerSecond float64

	// MaxReadTransactionLifeVersions bounds how many versions a single
	// getCommitVersion call may advance the version by.
	MaxReadTransactionLifeVersions int64

	// MaxVersionRateModifier caps version catch-up as a fraction of the
	// nominal per-call step.
	MaxVersionRateModifier float64

	// MaxVersionRateOffset is an absolute cap on version catch-up,
	// applied on top of MaxVersionRateModifier.
	MaxVersionRateOffset int64
}

// DefaultKnobs returns the default tunables, following the source's
// orders of magnitude (a million versions per wall-clock second).
func DefaultKnobs() Knobs {
	return Knobs{
		VersionsPerSecond:              1e6,
		MaxReadTransactionLifeVersions: 5 * 1e6,
		MaxVersionRateModifier:         0.1,
		MaxVersionRateOffset:           500000,
	}
}
