package db

import (
	"fmt"

	"github.com/tfkr-ae/mirsat/domain"
)

var _ domain.ConfigRepository = (*Repository)(nil)

// UpdateSPKI implements the domain.ConfigRepository interface.
// It updates the SPKI hash value in the 'app' table of the database.
func (repo *Repository) UpdateSPKI(spki string) error {
	query := `UPDATE app SET spki = ?`
	_, err := repo.dbConn.Exec(query, spki)

	if err != nil {
		return fmt.Errorf("updating spki value %s: %w", spki, err)
	}

	return nil
}

// GetSPKI implements the domain.ConfigRepository interface.
func (repo *Repository) GetSPKI() (string, error) {
	var spki string
	err := repo.dbConn.Get(&spki, `SELECT spki FROM app LIMIT 1`)
	if err != nil {
		return "", fmt.Errorf("getting spki: %w", err)
	}

	return spki, nil
}

// GetActiveVersion implements the domain.ConfigRepository interface.
// It returns the version tag stored by the last activation.
func (repo *Repository) GetActiveVersion() (string, error) {
	var version string
	err := repo.dbConn.Get(&version, `SELECT active_version FROM app LIMIT 1`)
	if err != nil {
		return "", fmt.Errorf("getting active version: %w", err)
	}

	return version, nil
}

// SetActiveVersion implements the domain.ConfigRepository interface.
func (repo *Repository) SetActiveVersion(version string) error {
	_, err := repo.dbConn.Exec(`UPDATE app SET active_version = ?`, version)
	if err != nil {
		return fmt.Errorf("updating active version to %s: %w", version, err)
	}

	return nil
}
