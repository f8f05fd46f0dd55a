package timeline

// Schema creates every table the automation stores need. Timestamps are
// stored as unix milliseconds so range queries compare numerically.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	type TEXT NOT NULL,
	payload TEXT,
	metadata TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);

CREATE TABLE IF NOT EXISTS skills (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL,
	definition TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS workflows (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL,
	definition TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_runs (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	event_id TEXT,
	status TEXT NOT NULL,
	input TEXT,
	output TEXT,
	error TEXT,
	skill_run_ids TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow ON workflow_runs(workflow_id);
CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	skill_id TEXT NOT NULL,
	event_id TEXT,
	workflow_run_id TEXT,
	status TEXT NOT NULL,
	input TEXT,
	output TEXT,
	error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_runs_skill ON runs(skill_id);
CREATE INDEX IF NOT EXISTS idx_runs_workflow_run ON runs(workflow_run_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	owner_key TEXT NOT NULL,
	run_id TEXT,
	workflow_run_id TEXT,
	sequence INTEGER NOT NULL,
	type TEXT NOT NULL,
	data TEXT,
	state TEXT,
	created_at INTEGER NOT NULL,
	UNIQUE(owner_key, sequence)
);

CREATE TABLE IF NOT EXISTS hitl_requests (
	id TEXT PRIMARY KEY,
	workflow_run_id TEXT NOT NULL,
	checkpoint_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	prompt TEXT NOT NULL,
	context TEXT,
	options TEXT,
	response TEXT,
	timeout_at INTEGER,
	created_at INTEGER NOT NULL,
	responded_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_hitl_status ON hitl_requests(status);
CREATE INDEX IF NOT EXISTS idx_hitl_workflow_run ON hitl_requests(workflow_run_id);

CREATE TABLE IF NOT EXISTS scheduled_jobs (
	id TEXT PRIMARY KEY,
	skill_id TEXT NOT NULL DEFAULT '',
	workflow_id TEXT NOT NULL DEFAULT '',
	trigger_index INTEGER NOT NULL,
	schedule TEXT NOT NULL,
	last_run_at INTEGER,
	next_run_at INTEGER NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(skill_id, workflow_id, trigger_index)
);

CREATE INDEX IF NOT EXISTS idx_jobs_due ON scheduled_jobs(enabled, next_run_at);
`
