package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// TimeFormat is the canonical timestamp encoding for every TEXT timestamp
// column. Fixed-width UTC so that string comparison equals time comparison.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Now returns the current UTC time in TimeFormat.
func Now() string {
	return time.Now().UTC().Format(TimeFormat)
}

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Artifact represents a row in the artifact table.
type Artifact struct {
	Seq                 int64    `json:"-"`
	ArtifactID          string   `json:"artifact_id"`
	ArtifactType        string   `json:"artifact_type"`
	SourceSystem        string   `json:"source_system,omitempty"`
	SourceID            string   `json:"source_id,omitempty"`
	SourceURL           string   `json:"source_url,omitempty"`
	Timestamp           string   `json:"timestamp,omitempty"`
	Title               string   `json:"title,omitempty"`
	Author              string   `json:"author,omitempty"`
	Participants        []string `json:"participants,omitempty"`
	ContentHash         string   `json:"content_hash"`
	TokenCount          int      `json:"token_count"`
	IsChunked           bool     `json:"is_chunked"`
	NumChunks           int      `json:"num_chunks"`
	Sensitivity         string   `json:"sensitivity"`
	VisibilityScope     string   `json:"visibility_scope"`
	RetentionPolicy     string   `json:"retention_policy,omitempty"`
	EmbeddingProvider   string   `json:"embedding_provider,omitempty"`
	EmbeddingModel      string   `json:"embedding_model,omitempty"`
	EmbeddingDimensions int      `json:"embedding_dimensions,omitempty"`
	IngestedAt          string   `json:"ingested_at"`
}

// Revision represents a row in the revision table.
type Revision struct {
	Seq        int64  `json:"-"`
	RevisionID string `json:"revision_id"`
	ArtifactID string `json:"artifact_id"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at"`
}

// Chunk represents a row in the chunk table.
type Chunk struct {
	Seq         int64  `json:"-"`
	ChunkID     string `json:"chunk_id"`
	ArtifactID  string `json:"artifact_id"`
	RevisionID  string `json:"revision_id"`
	Index       int    `json:"chunk_index"`
	Content     string `json:"content"`
	StartChar   int    `json:"start_char"`
	EndChar     int    `json:"end_char"`
	TokenCount  int    `json:"token_count"`
	ContentHash string `json:"content_hash"`
}

// Event represents a row in the event table plus its evidence.
type Event struct {
	Seq         int64      `json:"-"`
	EventID     string     `json:"event_id"`
	RevisionID  string     `json:"revision_id"`
	Category    string     `json:"category"`
	Summary     string     `json:"summary"`
	Actors      []string   `json:"actors"`
	Subjects    []string   `json:"subjects"`
	OccurredAt  string     `json:"occurred_at,omitempty"`
	ExtractedAt string     `json:"extracted_at"`
	Model       string     `json:"model,omitempty"`
	Confidence  float64    `json:"confidence"`
	Evidence    []Evidence `json:"evidence"`
}

// Evidence is one verbatim quote backing an event.
type Evidence struct {
	Quote       string `json:"quote"`
	OffsetStart int    `json:"offset_start"`
	OffsetEnd   int    `json:"offset_end"`
}

// FirstOffset returns the offset of the earliest evidence quote, which
// orders events within a revision.
func (e *Event) FirstOffset() int {
	if len(e.Evidence) == 0 {
		return 0
	}
	min := e.Evidence[0].OffsetStart
	for _, ev := range e.Evidence[1:] {
		if ev.OffsetStart < min {
			min = ev.OffsetStart
		}
	}
	return min
}

// Entity represents a row in the entity table.
type Entity struct {
	Seq           int64    `json:"-"`
	EntityID      string   `json:"entity_id"`
	EntityType    string   `json:"entity_type"`
	CanonicalName string   `json:"canonical_name"`
	Aliases       []string `json:"aliases"`
	ContextClues  []string `json:"context_clues,omitempty"`
	CreatedAt     string   `json:"created_at"`
	LastSeenAt    string   `json:"last_seen_at"`
}

// Mention represents a row in the entity_mention table. Immutable.
type Mention struct {
	MentionID   string  `json:"mention_id"`
	EntityID    string  `json:"entity_id"`
	RevisionID  string  `json:"revision_id"`
	SurfaceForm string  `json:"surface_form"`
	OffsetStart int     `json:"offset_start"`
	Decision    string  `json:"decision"`
	Score       float64 `json:"score"`
	Model       string  `json:"model,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// Job represents a row in the job table.
type Job struct {
	JobID       string `json:"job_id"`
	Kind        string `json:"kind"`
	Payload     string `json:"payload"`
	State       string `json:"state"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	NotBefore   string `json:"not_before"`
	LeaseUntil  string `json:"lease_until,omitempty"`
	WorkerID    string `json:"worker_id,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// JobEvent is one row of the append-only job transition audit.
type JobEvent struct {
	JobID     string `json:"job_id"`
	TS        string `json:"ts"`
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state"`
	Note      string `json:"note,omitempty"`
}

// GraphEdge is a directed edge in the named graph.
type GraphEdge struct {
	EdgeType        string  `json:"edge_type"`
	SrcID           string  `json:"src_id"`
	DstID           string  `json:"dst_id"`
	Score           float64 `json:"score,omitempty"`
	SourceMentionID string  `json:"source_mention_id,omitempty"`
}

// Filter is a conjunction of equality (string value) and IN ([]string value)
// predicates over a fixed set of metadata keys. Filters decoded from JSON
// carry lists as []any; both element forms are accepted.
type Filter map[string]any

// filterColumns maps permitted filter keys to their artifact columns.
var filterColumns = map[string]string{
	"artifact_id":      "a.artifact_id",
	"artifact_type":    "a.artifact_type",
	"source_system":    "a.source_system",
	"author":           "a.author",
	"sensitivity":      "a.sensitivity",
	"visibility_scope": "a.visibility_scope",
}

// whereClause renders the filter as "AND col = ?" / "AND col IN (?,...)"
// fragments with their args. Unknown keys are rejected.
func (f Filter) whereClause() (string, []any, error) {
	if len(f) == 0 {
		return "", nil, nil
	}
	clause := ""
	var args []any
	for key, val := range f {
		col, ok := filterColumns[key]
		if !ok {
			return "", nil, fmt.Errorf("unsupported filter key %q", key)
		}
		switch v := val.(type) {
		case string:
			clause += " AND " + col + " = ?"
			args = append(args, v)
		case []string:
			if len(v) == 0 {
				continue
			}
			clause += " AND " + col + " IN (?" + repeatPlaceholders(len(v)-1) + ")"
			for _, s := range v {
				args = append(args, s)
			}
		case []any:
			if len(v) == 0 {
				continue
			}
			clause += " AND " + col + " IN (?" + repeatPlaceholders(len(v)-1) + ")"
			for _, el := range v {
				s, ok := el.(string)
				if !ok {
					return "", nil, fmt.Errorf("filter value for %q has non-string element %v", key, el)
				}
				args = append(args, s)
			}
		default:
			return "", nil, fmt.Errorf("filter value for %q must be a string or a list of strings", key)
		}
	}
	return clause, args, nil
}

// Store wraps the SQLite database backing all three stores: relational
// rows, vec0 vector collections, and the named property graph.
type Store struct {
	db           *sql.DB
	embeddingDim int
	graph        string
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual tables.
// graph names the property graph all node/edge rows belong to.
func New(dbPath string, embeddingDim int, graph string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if graph == "" {
		graph = "nur"
	}
	s := &Store{db: db, embeddingDim: embeddingDim, graph: graph}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// Graph returns the named graph this store operates on.
func (s *Store) Graph() string {
	return s.graph
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Stats holds counts of key database objects, reported by the status tool.
type Stats struct {
	Artifacts  int            `json:"artifacts"`
	Revisions  int            `json:"revisions"`
	Chunks     int            `json:"chunks"`
	Events     int            `json:"events"`
	Entities   int            `json:"entities"`
	Mentions   int            `json:"mentions"`
	GraphNodes int            `json:"graph_nodes"`
	GraphEdges int            `json:"graph_edges"`
	Jobs       map[string]int `json:"jobs"`
}

// DBStats returns row counts for every major table plus jobs per state.
func (s *Store) DBStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM artifact", &stats.Artifacts},
		{"SELECT COUNT(*) FROM revision", &stats.Revisions},
		{"SELECT COUNT(*) FROM chunk", &stats.Chunks},
		{"SELECT COUNT(*) FROM event", &stats.Events},
		{"SELECT COUNT(*) FROM entity", &stats.Entities},
		{"SELECT COUNT(*) FROM entity_mention", &stats.Mentions},
		{"SELECT COUNT(*) FROM graph_node", &stats.GraphNodes},
		{"SELECT COUNT(*) FROM graph_edge", &stats.GraphEdges},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	jobs, err := s.JobCounts(ctx)
	if err != nil {
		return nil, err
	}
	stats.Jobs = jobs
	return stats, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func repeatPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

// marshalStrings encodes a string slice as a JSON array, never null.
func marshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// unmarshalStrings decodes a JSON array column into a string slice.
func unmarshalStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
