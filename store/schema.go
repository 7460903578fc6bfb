package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimensions; all three collections share it.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Content-addressed artifacts; metadata reflects the latest revision
CREATE TABLE IF NOT EXISTS artifact (
    id INTEGER PRIMARY KEY,
    artifact_id TEXT NOT NULL UNIQUE,
    artifact_type TEXT NOT NULL CHECK(artifact_type IN ('document','message','note','decision-record')),
    source_system TEXT NOT NULL DEFAULT '',
    source_id TEXT,
    source_url TEXT,
    ts TEXT,
    title TEXT NOT NULL DEFAULT '',
    author TEXT NOT NULL DEFAULT '',
    participants JSON NOT NULL DEFAULT '[]',
    content_hash TEXT NOT NULL,
    token_count INTEGER NOT NULL DEFAULT 0,
    is_chunked INTEGER NOT NULL DEFAULT 0,
    num_chunks INTEGER NOT NULL DEFAULT 0,
    sensitivity TEXT NOT NULL DEFAULT 'normal' CHECK(sensitivity IN ('normal','sensitive','highly_sensitive')),
    visibility_scope TEXT NOT NULL DEFAULT 'me' CHECK(visibility_scope IN ('me','team','org')),
    retention_policy TEXT NOT NULL DEFAULT '',
    embedding_provider TEXT NOT NULL DEFAULT '',
    embedding_model TEXT NOT NULL DEFAULT '',
    embedding_dimensions INTEGER NOT NULL DEFAULT 0,
    ingested_at TEXT NOT NULL
);

-- One row per ingestion of an artifact; the extraction unit
CREATE TABLE IF NOT EXISTS revision (
    id INTEGER PRIMARY KEY,
    revision_id TEXT NOT NULL UNIQUE,
    artifact_id TEXT NOT NULL REFERENCES artifact(artifact_id) ON DELETE CASCADE,
    content TEXT NOT NULL,
    created_at TEXT NOT NULL
);

-- Bounded slices of a revision used for vector indexing
CREATE TABLE IF NOT EXISTS chunk (
    id INTEGER PRIMARY KEY,
    chunk_id TEXT NOT NULL UNIQUE,
    artifact_id TEXT NOT NULL REFERENCES artifact(artifact_id) ON DELETE CASCADE,
    revision_id TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    content TEXT NOT NULL,
    start_char INTEGER NOT NULL,
    end_char INTEGER NOT NULL,
    token_count INTEGER NOT NULL,
    content_hash TEXT NOT NULL,
    UNIQUE(artifact_id, chunk_index)
);

-- Extracted events; actors/subjects hold entity ids as JSON arrays
CREATE TABLE IF NOT EXISTS event (
    id INTEGER PRIMARY KEY,
    event_id TEXT NOT NULL UNIQUE,
    revision_id TEXT NOT NULL,
    category TEXT NOT NULL CHECK(category IN ('decision','commitment','question','answer','observation','plan','risk','reference')),
    summary TEXT NOT NULL,
    actors JSON NOT NULL DEFAULT '[]',
    subjects JSON NOT NULL DEFAULT '[]',
    occurred_at TEXT,
    extracted_at TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    confidence REAL NOT NULL CHECK(confidence >= 0 AND confidence <= 1),
    first_offset INTEGER NOT NULL DEFAULT 0
);

-- Verbatim quotes backing each event
CREATE TABLE IF NOT EXISTS event_evidence (
    event_id TEXT NOT NULL REFERENCES event(event_id) ON DELETE CASCADE,
    idx INTEGER NOT NULL,
    quote TEXT NOT NULL,
    offset_start INTEGER NOT NULL,
    offset_end INTEGER NOT NULL,
    PRIMARY KEY (event_id, idx)
);

-- Canonical entities; aliases and clues are JSON arrays of strings
CREATE TABLE IF NOT EXISTS entity (
    id INTEGER PRIMARY KEY,
    entity_id TEXT NOT NULL UNIQUE,
    entity_type TEXT NOT NULL CHECK(entity_type IN ('person','organization','project','product','location','concept','other')),
    canonical_name TEXT NOT NULL,
    aliases JSON NOT NULL DEFAULT '[]',
    context_clues JSON NOT NULL DEFAULT '[]',
    created_at TEXT NOT NULL,
    last_seen_at TEXT NOT NULL
);

-- Immutable resolver decisions, the evidence trail for entity identity
CREATE TABLE IF NOT EXISTS entity_mention (
    id INTEGER PRIMARY KEY,
    mention_id TEXT NOT NULL UNIQUE,
    entity_id TEXT NOT NULL,
    revision_id TEXT NOT NULL,
    surface_form TEXT NOT NULL,
    offset_start INTEGER NOT NULL,
    decision TEXT NOT NULL CHECK(decision IN ('created','merged','uncertain')),
    score REAL NOT NULL DEFAULT 0,
    model TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

-- Job queue; claims are leases, transitions are audited in job_event
CREATE TABLE IF NOT EXISTS job (
    job_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL CHECK(kind IN ('extract_events','graph_upsert')),
    payload JSON NOT NULL,
    state TEXT NOT NULL DEFAULT 'pending' CHECK(state IN ('pending','in_flight','succeeded','failed','dead')),
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 5,
    not_before TEXT NOT NULL,
    lease_until TEXT,
    worker_id TEXT,
    last_error TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Append-only transition audit
CREATE TABLE IF NOT EXISTS job_event (
    id INTEGER PRIMARY KEY,
    job_id TEXT NOT NULL,
    ts TEXT NOT NULL,
    from_state TEXT,
    to_state TEXT NOT NULL,
    note TEXT
);

-- Property graph over entities and events, namespaced by graph name
CREATE TABLE IF NOT EXISTS graph_node (
    graph TEXT NOT NULL,
    label TEXT NOT NULL CHECK(label IN ('Entity','Event')),
    node_id TEXT NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (graph, label, node_id)
);

CREATE TABLE IF NOT EXISTS graph_edge (
    graph TEXT NOT NULL,
    edge_type TEXT NOT NULL CHECK(edge_type IN ('ACTED_IN','ABOUT','POSSIBLY_SAME')),
    src_id TEXT NOT NULL,
    dst_id TEXT NOT NULL,
    score REAL,
    source_mention_id TEXT,
    created_at TEXT NOT NULL,
    PRIMARY KEY (graph, edge_type, src_id, dst_id)
);

-- Vector collections via sqlite-vec; rowids mirror the owning tables
CREATE VIRTUAL TABLE IF NOT EXISTS vec_content USING vec0(
    artifact_seq INTEGER PRIMARY KEY,
    embedding float[%[1]d] distance_metric=cosine
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
    chunk_seq INTEGER PRIMARY KEY,
    embedding float[%[1]d] distance_metric=cosine
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_entities USING vec0(
    entity_seq INTEGER PRIMARY KEY,
    embedding float[%[1]d] distance_metric=cosine
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_revision_artifact ON revision(artifact_id);
CREATE INDEX IF NOT EXISTS idx_chunk_artifact ON chunk(artifact_id);
CREATE INDEX IF NOT EXISTS idx_chunk_revision ON chunk(revision_id);
CREATE INDEX IF NOT EXISTS idx_event_revision ON event(revision_id);
CREATE INDEX IF NOT EXISTS idx_event_category ON event(category);
CREATE INDEX IF NOT EXISTS idx_mention_revision ON entity_mention(revision_id);
CREATE INDEX IF NOT EXISTS idx_mention_entity ON entity_mention(entity_id);
CREATE INDEX IF NOT EXISTS idx_job_claim ON job(state, not_before);
CREATE INDEX IF NOT EXISTS idx_job_kind ON job(kind);
CREATE INDEX IF NOT EXISTS idx_job_event_job ON job_event(job_id);
CREATE INDEX IF NOT EXISTS idx_graph_edge_src ON graph_edge(graph, src_id);
CREATE INDEX IF NOT EXISTS idx_graph_edge_dst ON graph_edge(graph, dst_id);
CREATE INDEX IF NOT EXISTS idx_artifact_hash ON artifact(content_hash);
`, embeddingDim)
}
