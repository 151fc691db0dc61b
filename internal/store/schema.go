package store

// schemaVersionV1 is the current schema.
const schemaVersionV1 = 1

// schemaV1 is the fault-space schema DDL. Every statement is idempotent.
//
// trace holds EC rows: one row per closed interval of one (address, mask)
// key. fsppilot holds experiments; fspmethod names the pruning strategies.
var schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS variant (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	variant   TEXT NOT NULL,
	benchmark TEXT NOT NULL,
	UNIQUE(variant, benchmark)
);

CREATE TABLE IF NOT EXISTS trace (
	variant_id       INTEGER NOT NULL REFERENCES variant(id),
	data_address     INTEGER NOT NULL,
	mask             INTEGER NOT NULL CHECK (mask BETWEEN 1 AND 255),
	instr1           INTEGER NOT NULL,
	instr1_absolute  INTEGER,
	instr2           INTEGER NOT NULL,
	instr2_absolute  INTEGER,
	time1            INTEGER NOT NULL,
	time2            INTEGER NOT NULL,
	accesstype       TEXT NOT NULL CHECK (accesstype IN ('R', 'W')),
	origin           TEXT NOT NULL,
	UNIQUE(variant_id, data_address, instr2, mask),
	CHECK (instr1 <= instr2),
	CHECK (time1 <= time2)
);

CREATE INDEX IF NOT EXISTS trace_key ON trace(variant_id, data_address, mask, instr1);
CREATE INDEX IF NOT EXISTS trace_access ON trace(variant_id, accesstype);

CREATE TABLE IF NOT EXISTS fspmethod (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	method TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS fsppilot (
	id                       INTEGER PRIMARY KEY AUTOINCREMENT,
	known_outcome            INTEGER NOT NULL DEFAULT 0,
	variant_id               INTEGER NOT NULL REFERENCES variant(id),
	fspmethod_id             INTEGER NOT NULL REFERENCES fspmethod(id),
	data_address             INTEGER NOT NULL,
	data_mask                INTEGER NOT NULL,
	injection_instr          INTEGER NOT NULL,
	injection_instr_absolute INTEGER,
	weight                   INTEGER NOT NULL CHECK (weight > 0),
	UNIQUE(variant_id, fspmethod_id, data_address, data_mask, injection_instr)
);

CREATE INDEX IF NOT EXISTS fsppilot_method ON fsppilot(variant_id, fspmethod_id);
`
