package localstate

import (
	"database/sql"
)

// EnsureSQLiteSchema creates the engine tables if they do not exist.
func EnsureSQLiteSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS Profiles (
            UserId TEXT PRIMARY KEY,
            Data TEXT NOT NULL,
            UpdateTime TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS TimingState (
            UserId TEXT PRIMARY KEY,
            Data TEXT NOT NULL,
            UpdateTime TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS Delays (
            DelayId TEXT PRIMARY KEY,
            UserId TEXT NOT NULL,
            Status TEXT NOT NULL,
            DelayEnd TIMESTAMP NOT NULL,
            Data TEXT NOT NULL,
            CreationTime TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS Delays_UserStatus_Idx ON Delays(UserId, Status);`,
		`CREATE TABLE IF NOT EXISTS SyncQueue (
            Seq INTEGER PRIMARY KEY AUTOINCREMENT,
            EventId TEXT NOT NULL UNIQUE,
            Payload TEXT NOT NULL,
            QueuedTime TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS Settings (
            UserId TEXT PRIMARY KEY,
            Data TEXT NOT NULL,
            UpdateTime TIMESTAMP NOT NULL
        );`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
