package localstate

import (
	"database/sql"
	"time"
)

// DefaultSettingsJSON enables every detector.
const DefaultSettingsJSON = `{"product":true,"travel":true,"text":true,"predictive":true,"delay":true,"nudges":true}`

// EnsureDefaultSettings inserts the default settings record for userID.
// No-op if the user already has settings.
func EnsureDefaultSettings(db *sql.DB, userID string) error {
	var cnt int
	if err := db.QueryRow(`SELECT COUNT(1) FROM Settings WHERE UserId = ?`, userID).Scan(&cnt); err != nil {
		return err
	}
	if cnt > 0 {
		return nil
	}
	_, err := db.Exec(`INSERT INTO Settings (UserId, Data, UpdateTime) VALUES (?,?,?)`,
		userID, DefaultSettingsJSON, time.Now().UTC())
	return err
}
