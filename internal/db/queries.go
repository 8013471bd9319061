package db

const (
	UpsertPrinter = `
		INSERT INTO printers (id, endpoint)
		VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET endpoint = excluded.endpoint, updated_at = CURRENT_TIMESTAMP
	`

	ListPrinters = `
		SELECT id, endpoint, created_at, updated_at
		FROM printers ORDER BY id ASC
	`

	DeletePrinter = `DELETE FROM printers WHERE id = ?`
)

const (
	UpsertJob = `
		INSERT INTO print_jobs (id, printer_id, filename, state, size, error_message, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			error_message = excluded.error_message,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = CURRENT_TIMESTAMP
	`

	GetJobByID = `
		SELECT id, printer_id, filename, state, size, error_message, created_at, started_at, finished_at
		FROM print_jobs WHERE id = ?
	`

	ListJobsByPrinter = `
		SELECT id, printer_id, filename, state, size, error_message, created_at, started_at, finished_at
		FROM print_jobs WHERE printer_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?
	`

	CountJobsByPrinter = `SELECT COUNT(*) FROM print_jobs WHERE printer_id = ?`
)

const (
	CreateMigrationsTable = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`

	InsertMigration = `INSERT INTO schema_migrations (version) VALUES (?)`

	GetAppliedMigrations = `
		SELECT version FROM schema_migrations
	`
)
