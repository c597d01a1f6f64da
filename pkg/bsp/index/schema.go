package index

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	size INTEGER,
	mtime INTEGER,
	digest TEXT
);
CREATE INDEX IF NOT EXISTS idx_files_path ON files(path);
CREATE INDEX IF NOT EXISTS idx_files_type ON files(type);

CREATE TABLE IF NOT EXISTS symbols (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	value TEXT,
	type TEXT NOT NULL,
	file_id INTEGER,
	line INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(name);
CREATE INDEX IF NOT EXISTS idx_symbols_file ON symbols(file_id);

CREATE TABLE IF NOT EXISTS includes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	from_file_id INTEGER,
	to_path TEXT NOT NULL,
	type TEXT NOT NULL,
	line INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_includes_from ON includes(from_file_id);
CREATE INDEX IF NOT EXISTS idx_includes_to ON includes(to_path);

CREATE TABLE IF NOT EXISTS dt_nodes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_id INTEGER,
	path TEXT NOT NULL,
	name TEXT NOT NULL,
	label TEXT,
	address TEXT,
	parent_id INTEGER,
	start_line INTEGER NOT NULL,
	end_line INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dt_nodes_path ON dt_nodes(path);
CREATE INDEX IF NOT EXISTS idx_dt_nodes_label ON dt_nodes(label);
CREATE INDEX IF NOT EXISTS idx_dt_nodes_file ON dt_nodes(file_id);

CREATE TABLE IF NOT EXISTS dt_properties (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	node_id INTEGER,
	name TEXT NOT NULL,
	value TEXT,
	line INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dt_props_node ON dt_properties(node_id);
CREATE INDEX IF NOT EXISTS idx_dt_props_name ON dt_properties(name);

CREATE TABLE IF NOT EXISTS gpio_pins (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_id INTEGER,
	controller TEXT NOT NULL,
	pin INTEGER NOT NULL,
	label TEXT,
	function TEXT,
	direction TEXT
);

CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value TEXT
);
`

// ftsSchema needs SQLite built with FTS5 (go-sqlite3 build tag sqlite_fts5)
const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS symbols_fts USING fts5(
	name, value, content='symbols', content_rowid='id'
);
CREATE TRIGGER IF NOT EXISTS symbols_ai AFTER INSERT ON symbols BEGIN
	INSERT INTO symbols_fts(rowid, name, value) VALUES (new.id, new.name, new.value);
END;
`
