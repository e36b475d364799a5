package store

import (
	"context"
	"fmt"
)

// Schema version ledger. Every migration is gated by a version+checksum pair
// so a store opened against a newer binary's database fails loudly instead
// of silently corrupting rows it doesn't understand.
const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "agentrun-v1-2026-run-task-log-pin-content-err"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version  INTEGER PRIMARY KEY,
	checksum TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	uid              TEXT NOT NULL UNIQUE,
	parent_id        INTEGER,
	ctime            INTEGER NOT NULL,
	mtime            INTEGER NOT NULL,
	start            INTEGER,
	ba_start         INTEGER,
	ba_end           INTEGER,
	tasks_start      INTEGER,
	tasks_end        INTEGER,
	aa_start         INTEGER,
	aa_end           INTEGER,
	end              INTEGER,
	agent_name       TEXT NOT NULL,
	agent_path       TEXT NOT NULL,
	model            TEXT NOT NULL,
	concurrency      INTEGER NOT NULL,
	total_cost       REAL NOT NULL DEFAULT 0,
	end_state        TEXT,
	end_skip_reason  TEXT,
	end_err_id       INTEGER,
	has_task_stages  INTEGER NOT NULL DEFAULT 0,
	has_prompt_parts INTEGER NOT NULL DEFAULT 0,
	literals         TEXT NOT NULL DEFAULT '{}',
	FOREIGN KEY (parent_id) REFERENCES runs(id)
);

CREATE TABLE IF NOT EXISTS tasks (
	id                        INTEGER PRIMARY KEY AUTOINCREMENT,
	uid                       TEXT NOT NULL UNIQUE,
	run_id                    INTEGER NOT NULL,
	idx                       INTEGER NOT NULL,
	ctime                     INTEGER NOT NULL,
	mtime                     INTEGER NOT NULL,
	start                     INTEGER,
	data_start                INTEGER,
	data_end                  INTEGER,
	ai_start                  INTEGER,
	ai_gen_start              INTEGER,
	ai_gen_end                INTEGER,
	ai_end                    INTEGER,
	output_start              INTEGER,
	output_end                INTEGER,
	end                       INTEGER,
	model_ov                  TEXT,
	usage                     TEXT NOT NULL DEFAULT '{}',
	tk_prompt_total           INTEGER NOT NULL DEFAULT 0,
	tk_prompt_cached          INTEGER NOT NULL DEFAULT 0,
	tk_prompt_cache_creation  INTEGER NOT NULL DEFAULT 0,
	tk_completion_total       INTEGER NOT NULL DEFAULT 0,
	tk_completion_reasoning   INTEGER NOT NULL DEFAULT 0,
	cost                      REAL,
	label                     TEXT,
	end_state                 TEXT,
	end_skip_reason           TEXT,
	end_err_id                INTEGER,
	UNIQUE (run_id, idx),
	FOREIGN KEY (run_id) REFERENCES runs(id)
);

CREATE TABLE IF NOT EXISTS logs (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	uid      TEXT NOT NULL UNIQUE,
	run_id   INTEGER NOT NULL,
	task_id  INTEGER,
	ctime    INTEGER NOT NULL,
	kind     TEXT NOT NULL,
	stage    TEXT,
	step     TEXT,
	message  TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(id),
	FOREIGN KEY (task_id) REFERENCES tasks(id)
);

CREATE TABLE IF NOT EXISTS pins (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	uid      TEXT NOT NULL UNIQUE,
	run_id   INTEGER NOT NULL,
	task_id  INTEGER,
	ctime    INTEGER NOT NULL,
	name     TEXT,
	priority REAL NOT NULL DEFAULT 0,
	content  TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(id),
	FOREIGN KEY (task_id) REFERENCES tasks(id)
);

CREATE TABLE IF NOT EXISTS contents (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	uid      TEXT NOT NULL UNIQUE,
	task_id  INTEGER NOT NULL,
	kind     TEXT NOT NULL,
	typ      TEXT NOT NULL,
	ctime    INTEGER NOT NULL,
	content  TEXT NOT NULL,
	FOREIGN KEY (task_id) REFERENCES tasks(id)
);

CREATE TABLE IF NOT EXISTS errs (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	uid      TEXT NOT NULL UNIQUE,
	stage    TEXT,
	run_id   INTEGER,
	task_id  INTEGER,
	typ      TEXT,
	ctime    INTEGER NOT NULL,
	content  TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(id),
	FOREIGN KEY (task_id) REFERENCES tasks(id)
);

CREATE INDEX IF NOT EXISTS idx_tasks_run_id ON tasks(run_id);
CREATE INDEX IF NOT EXISTS idx_logs_run_id ON logs(run_id);
CREATE INDEX IF NOT EXISTS idx_pins_run_id ON pins(run_id);
CREATE INDEX IF NOT EXISTS idx_contents_task_id ON contents(task_id);
`

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, schemaVersionLatest).Scan(&count); err != nil {
		return fmt.Errorf("check migration ledger: %w", err)
	}
	if count == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)`, schemaVersionLatest, schemaChecksumLatest); err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
	} else {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?`, schemaVersionLatest).Scan(&checksum); err != nil {
			return fmt.Errorf("read migration checksum: %w", err)
		}
		if checksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch at version %d: db has %q, binary expects %q", schemaVersionLatest, checksum, schemaChecksumLatest)
		}
	}

	return tx.Commit()
}
