package sqlite

// Schema defines the SQLite database schema. All statements are idempotent
// so the schema can be re-applied on every open.
//
// Records and their embedding vectors live in the same database file so that
// put/delete commit both sides in a single transaction. The index_meta table
// records the vector dimensionality of the store; a configuration mismatch
// is detected at open time instead of silently corrupting the index.
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
    id            TEXT PRIMARY KEY,
    type          TEXT NOT NULL CHECK (type IN ('episodic', 'semantic', 'procedural', 'working')),
    content       TEXT NOT NULL,
    importance    REAL NOT NULL DEFAULT 0.5,
    access_count  INTEGER NOT NULL DEFAULT 0,
    created_at    TIMESTAMP NOT NULL,
    last_accessed TIMESTAMP,
    decayed_at    TIMESTAMP,
    metadata      TEXT
);

CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);
CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories(importance);
CREATE INDEX IF NOT EXISTS idx_memories_last_accessed ON memories(last_accessed);

CREATE TABLE IF NOT EXISTS embeddings (
    memory_id  TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
    embedding  BLOB NOT NULL,
    dimension  INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sessions (
    id       TEXT PRIMARY KEY,
    ended_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS index_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
