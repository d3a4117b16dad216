package domain

// ConfigRepository defines the interface for agent-level state that has to survive restarts.
type ConfigRepository interface {
	// UpdateSPKI saves the Subject Public Key Information (SPKI) hash of the interception CA.
	// Pages launched by the agent pin this hash instead of trusting the CA system wide.
	UpdateSPKI(spki string) error

	// GetSPKI returns the stored SPKI hash, or an empty string if none was saved yet.
	GetSPKI() (string, error)

	// GetActiveVersion returns the version tag of the last activated agent version,
	// or an empty string if no version was ever activated.
	GetActiveVersion() (string, error)

	// SetActiveVersion records the version tag of the agent version that just became active.
	SetActiveVersion(version string) error
}
