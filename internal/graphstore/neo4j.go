package graphstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jStore implements GraphStore on the Neo4j Bolt driver.
type Neo4jStore struct {
	driver      neo4j.DriverWithContext
	database    string
	callTimeout time.Duration
}

// Neo4jConfig holds connection configuration. CallTimeout bounds each query;
// zero disables the bound.
type Neo4jConfig struct {
	URI         string
	Username    string
	Password    string
	Database    string
	CallTimeout time.Duration
}

// NewNeo4jStore creates a graph store backed by Neo4j.
func NewNeo4jStore(cfg Neo4jConfig) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}

	return &Neo4jStore{driver: driver, database: database, callTimeout: cfg.CallTimeout}, nil
}

// run is the single chokepoint for queries; the per-call timeout is applied
// here. Driver errors on an expired deadline are normalized to
// context.DeadlineExceeded so the HTTP boundary classifies them as timeouts.
func (s *Neo4jStore) run(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}
	result, err := neo4j.ExecuteQuery(ctx, s.driver, query, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(s.database))
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("query timed out: %w", context.DeadlineExceeded)
	}
	return result, err
}

// EnsureSchema creates uniqueness constraints on all id properties and the
// tenant index used by every scoped read.
func (s *Neo4jStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE CONSTRAINT user_id IF NOT EXISTS FOR (u:User) REQUIRE u.id IS UNIQUE`,
		`CREATE CONSTRAINT user_email IF NOT EXISTS FOR (u:User) REQUIRE u.email IS UNIQUE`,
		`CREATE CONSTRAINT document_id IF NOT EXISTS FOR (d:Document) REQUIRE d.id IS UNIQUE`,
		`CREATE CONSTRAINT chunk_id IF NOT EXISTS FOR (c:Chunk) REQUIRE c.id IS UNIQUE`,
		`CREATE CONSTRAINT entity_key IF NOT EXISTS FOR (e:Entity) REQUIRE (e.name, e.tenant_key) IS UNIQUE`,
		`CREATE INDEX document_tenant IF NOT EXISTS FOR (d:Document) ON (d.tenant_key)`,
		`CREATE INDEX chunk_tenant IF NOT EXISTS FOR (c:Chunk) ON (c.tenant_key)`,
		`CREATE INDEX document_upload_time IF NOT EXISTS FOR (d:Document) ON (d.upload_time)`,
	}
	for _, stmt := range statements {
		if _, err := s.run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

func (s *Neo4jStore) CreateUser(ctx context.Context, u User) error {
	_, err := s.run(ctx, `
		CREATE (u:User {
			id: $id, email: $email, password_hash: $password_hash,
			role: $role, created_at: $created_at
		})`,
		map[string]any{
			"id":            u.ID,
			"email":         u.Email,
			"password_hash": u.PasswordHash,
			"role":          u.Role,
			"created_at":    u.CreatedAt.Unix(),
		})
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Neo4jStore) UserByEmail(ctx context.Context, email string) (*User, error) {
	result, err := s.run(ctx, `
		MATCH (u:User {email: $email})
		RETURN u.id AS id, u.email AS email, u.password_hash AS password_hash,
		       u.role AS role, u.created_at AS created_at`,
		map[string]any{"email": email})
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if len(result.Records) == 0 {
		return nil, ErrNotFound
	}
	rec := result.Records[0]
	return &User{
		ID:           stringValue(rec, "id"),
		Email:        stringValue(rec, "email"),
		PasswordHash: stringValue(rec, "password_hash"),
		Role:         stringValue(rec, "role"),
		CreatedAt:    time.Unix(intValue(rec, "created_at"), 0),
	}, nil
}

func (s *Neo4jStore) CreateDocument(ctx context.Context, d Document) error {
	_, err := s.run(ctx, `
		MERGE (d:Document {id: $id})
		SET d.tenant_key = $tenant_key, d.filename = $filename,
		    d.file_type = $file_type, d.byte_size = $byte_size,
		    d.upload_time = $upload_time, d.chunk_count = $chunk_count`,
		map[string]any{
			"id":          d.ID,
			"tenant_key":  d.TenantKey,
			"filename":    d.Filename,
			"file_type":   d.FileType,
			"byte_size":   d.ByteSize,
			"upload_time": d.UploadTime.Unix(),
			"chunk_count": d.ChunkCount,
		})
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

func (s *Neo4jStore) GetDocument(ctx context.Context, tenantKeys []string, id string) (*Document, error) {
	result, err := s.run(ctx, `
		MATCH (d:Document {id: $id})
		WHERE d.tenant_key IN $tenant_keys
		RETURN d`,
		map[string]any{"id": id, "tenant_keys": tenantKeys})
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	if len(result.Records) == 0 {
		return nil, ErrNotFound
	}
	doc, err := documentFromRecord(result.Records[0])
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Neo4jStore) ListDocuments(ctx context.Context, tenantKeys []string) ([]Document, error) {
	result, err := s.run(ctx, `
		MATCH (d:Document)
		WHERE d.tenant_key IN $tenant_keys
		RETURN d
		ORDER BY d.upload_time DESC
		LIMIT 500`,
		map[string]any{"tenant_keys": tenantKeys})
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	docs := make([]Document, 0, len(result.Records))
	for _, rec := range result.Records {
		doc, err := documentFromRecord(rec)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}

func (s *Neo4jStore) UpdateDocumentIngest(ctx context.Context, id string, chunkCount int) error {
	_, err := s.run(ctx, `
		MATCH (d:Document {id: $id})
		SET d.chunk_count = $chunk_count`,
		map[string]any{"id": id, "chunk_count": chunkCount})
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	return nil
}

func (s *Neo4jStore) SetDocumentSummary(ctx context.Context, id, format, summary string) error {
	_, err := s.run(ctx, fmt.Sprintf(`
		MATCH (d:Document {id: $id})
		SET d.summary_%s = $summary`, sanitizeFormat(format)),
		map[string]any{"id": id, "summary": summary})
	if err != nil {
		return fmt.Errorf("failed to cache summary: %w", err)
	}
	return nil
}

func (s *Neo4jStore) ClearDocumentSummaries(ctx context.Context, id string) error {
	_, err := s.run(ctx, `
		MATCH (d:Document {id: $id})
		REMOVE d.summary_brief, d.summary_detailed, d.summary_executive, d.summary_bullet`,
		map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("failed to clear summaries: %w", err)
	}
	return nil
}

func (s *Neo4jStore) DeleteDocument(ctx context.Context, tenantKey, id string) ([]string, error) {
	result, err := s.run(ctx, `
		MATCH (d:Document {id: $id, tenant_key: $tenant_key})
		OPTIONAL MATCH (d)-[:CONTAINS]->(c:Chunk)
		WITH d, collect(c) AS chunks, [ch IN collect(c) | ch.id] AS chunk_ids
		FOREACH (c IN chunks | DETACH DELETE c)
		DETACH DELETE d
		RETURN chunk_ids`,
		map[string]any{"id": id, "tenant_key": tenantKey})
	if err != nil {
		return nil, fmt.Errorf("failed to delete document: %w", err)
	}
	if len(result.Records) == 0 {
		return nil, ErrNotFound
	}
	return stringSliceValue(result.Records[0], "chunk_ids"), nil
}

func (s *Neo4jStore) AddChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	rows := make([]map[string]any, len(chunks))
	for i, c := range chunks {
		rows[i] = map[string]any{
			"id":          c.ID,
			"document_id": c.DocumentID,
			"tenant_key":  c.TenantKey,
			"position":    c.Position,
			"text":        c.Text,
		}
	}
	_, err := s.run(ctx, `
		UNWIND $rows AS row
		MATCH (d:Document {id: row.document_id})
		MERGE (c:Chunk {id: row.id})
		SET c.document_id = row.document_id, c.tenant_key = row.tenant_key,
		    c.position = row.position, c.text = row.text
		MERGE (d)-[:CONTAINS]->(c)`,
		map[string]any{"rows": rows})
	if err != nil {
		return fmt.Errorf("failed to add chunks: %w", err)
	}
	return nil
}

func (s *Neo4jStore) DeleteDocumentChunks(ctx context.Context, documentID string) ([]string, error) {
	result, err := s.run(ctx, `
		MATCH (:Document {id: $id})-[:CONTAINS]->(c:Chunk)
		WITH collect(c) AS chunks, [ch IN collect(c) | ch.id] AS chunk_ids
		FOREACH (c IN chunks | DETACH DELETE c)
		RETURN chunk_ids`,
		map[string]any{"id": documentID})
	if err != nil {
		return nil, fmt.Errorf("failed to delete chunks: %w", err)
	}
	if len(result.Records) == 0 {
		return nil, nil
	}
	return stringSliceValue(result.Records[0], "chunk_ids"), nil
}

func (s *Neo4jStore) FilterExistingChunkIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	result, err := s.run(ctx, `
		MATCH (c:Chunk)
		WHERE c.id IN $ids
		RETURN c.id AS id`,
		map[string]any{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("failed to filter chunk ids: %w", err)
	}
	existing := make(map[string]bool, len(result.Records))
	for _, rec := range result.Records {
		existing[stringValue(rec, "id")] = true
	}
	return existing, nil
}

func (s *Neo4jStore) LinkEntities(ctx context.Context, tenantKey, chunkID string, entities []Entity) error {
	if len(entities) == 0 {
		return nil
	}
	rows := make([]map[string]any, len(entities))
	for i, e := range entities {
		rows[i] = map[string]any{"name": e.Name, "type": e.Type}
	}
	_, err := s.run(ctx, `
		MATCH (c:Chunk {id: $chunk_id, tenant_key: $tenant_key})
		UNWIND $rows AS row
		MERGE (e:Entity {name: row.name, tenant_key: $tenant_key})
		SET e.type = row.type
		MERGE (e)-[:APPEARS_IN]->(c)`,
		map[string]any{"chunk_id": chunkID, "tenant_key": tenantKey, "rows": rows})
	if err != nil {
		return fmt.Errorf("failed to link entities: %w", err)
	}

	// Co-occurring entities in the same chunk relate to each other.
	_, err = s.run(ctx, `
		MATCH (a:Entity {tenant_key: $tenant_key})-[:APPEARS_IN]->(c:Chunk {id: $chunk_id})
		MATCH (b:Entity {tenant_key: $tenant_key})-[:APPEARS_IN]->(c)
		WHERE a.name < b.name
		MERGE (a)-[:RELATES_TO]->(b)`,
		map[string]any{"chunk_id": chunkID, "tenant_key": tenantKey})
	if err != nil {
		return fmt.Errorf("failed to relate entities: %w", err)
	}
	return nil
}

func (s *Neo4jStore) ChunksByEntities(ctx context.Context, tenantKeys []string, names []string, limit int) ([]Chunk, error) {
	if len(names) == 0 {
		return nil, nil
	}
	result, err := s.run(ctx, `
		MATCH (e:Entity)-[:APPEARS_IN]->(c:Chunk)
		WHERE e.tenant_key IN $tenant_keys
		  AND c.tenant_key IN $tenant_keys
		  AND toLower(e.name) IN $names
		MATCH (d:Document {id: c.document_id})
		RETURN DISTINCT c.id AS id, c.document_id AS document_id,
		       c.tenant_key AS tenant_key, c.position AS position, c.text AS text,
		       d.filename AS filename
		LIMIT $limit`,
		map[string]any{"tenant_keys": tenantKeys, "names": lowerAll(names), "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks by entities: %w", err)
	}
	chunks := make([]Chunk, 0, len(result.Records))
	for _, rec := range result.Records {
		chunks = append(chunks, Chunk{
			ID:         stringValue(rec, "id"),
			DocumentID: stringValue(rec, "document_id"),
			TenantKey:  stringValue(rec, "tenant_key"),
			Position:   int(intValue(rec, "position")),
			Text:       stringValue(rec, "text"),
			Filename:   stringValue(rec, "filename"),
		})
	}
	return chunks, nil
}

func (s *Neo4jStore) ExpandEntities(ctx context.Context, tenantKeys []string, chunkID string, maxHops, limit int) ([]EntityEdge, error) {
	if maxHops > 2 {
		maxHops = 2
	}
	edges := make([]EntityEdge, 0, limit)

	// Hop 1: direct relations of entities in the chunk.
	result, err := s.run(ctx, `
		MATCH (a:Entity)-[:APPEARS_IN]->(c:Chunk {id: $chunk_id})
		WHERE c.tenant_key IN $tenant_keys AND a.tenant_key IN $tenant_keys
		MATCH (a)-[r:RELATES_TO]-(b:Entity)
		WHERE b.tenant_key IN $tenant_keys
		RETURN DISTINCT a.name AS source, type(r) AS relation, b.name AS target
		LIMIT $limit`,
		map[string]any{"chunk_id": chunkID, "tenant_keys": tenantKeys, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("failed to expand entities: %w", err)
	}
	seen := make(map[string]bool)
	for _, rec := range result.Records {
		edge := EntityEdge{
			Source:   stringValue(rec, "source"),
			Relation: stringValue(rec, "relation"),
			Target:   stringValue(rec, "target"),
			Hop:      1,
		}
		seen[edge.Source+"|"+edge.Target] = true
		edges = append(edges, edge)
	}

	if maxHops < 2 || len(edges) >= limit {
		return truncateEdges(edges, limit), nil
	}

	result, err = s.run(ctx, `
		MATCH (a:Entity)-[:APPEARS_IN]->(c:Chunk {id: $chunk_id})
		WHERE c.tenant_key IN $tenant_keys AND a.tenant_key IN $tenant_keys
		MATCH (a)-[:RELATES_TO]-(m:Entity)-[r:RELATES_TO]-(b:Entity)
		WHERE m.tenant_key IN $tenant_keys AND b.tenant_key IN $tenant_keys
		  AND b <> a
		RETURN DISTINCT m.name AS source, type(r) AS relation, b.name AS target
		LIMIT $limit`,
		map[string]any{"chunk_id": chunkID, "tenant_keys": tenantKeys, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("failed to expand entities at hop 2: %w", err)
	}
	for _, rec := range result.Records {
		edge := EntityEdge{
			Source:   stringValue(rec, "source"),
			Relation: stringValue(rec, "relation"),
			Target:   stringValue(rec, "target"),
			Hop:      2,
		}
		if seen[edge.Source+"|"+edge.Target] {
			continue
		}
		edges = append(edges, edge)
		if len(edges) >= limit {
			break
		}
	}
	return truncateEdges(edges, limit), nil
}

func (s *Neo4jStore) AddMemoryEntities(ctx context.Context, tenantKey, memoryID string, entities []Entity) error {
	if len(entities) == 0 {
		return nil
	}
	rows := make([]map[string]any, len(entities))
	for i, e := range entities {
		rows[i] = map[string]any{"name": e.Name, "type": e.Type}
	}
	_, err := s.run(ctx, `
		MERGE (m:Memory {id: $memory_id})
		SET m.tenant_key = $tenant_key
		WITH m
		UNWIND $rows AS row
		MERGE (e:Entity {name: row.name, tenant_key: $tenant_key})
		SET e.type = row.type
		MERGE (e)-[:APPEARS_IN]->(m)`,
		map[string]any{"memory_id": memoryID, "tenant_key": tenantKey, "rows": rows})
	if err != nil {
		return fmt.Errorf("failed to add memory entities: %w", err)
	}
	return nil
}

// DeleteMemoryEntities removes the memory node and any entity left orphaned
// by its removal. The underlying layer does not cascade, so the cleanup is
// explicit.
func (s *Neo4jStore) DeleteMemoryEntities(ctx context.Context, tenantKey, memoryID string) error {
	_, err := s.run(ctx, `
		MATCH (m:Memory {id: $memory_id, tenant_key: $tenant_key})
		OPTIONAL MATCH (e:Entity {tenant_key: $tenant_key})-[:APPEARS_IN]->(m)
		WITH m, collect(e) AS entities
		DETACH DELETE m
		WITH entities
		UNWIND entities AS e
		WITH e
		WHERE NOT (e)-[:APPEARS_IN]->()
		DETACH DELETE e`,
		map[string]any{"memory_id": memoryID, "tenant_key": tenantKey})
	if err != nil {
		return fmt.Errorf("failed to delete memory entities: %w", err)
	}
	return nil
}

func (s *Neo4jStore) RekeyTenant(ctx context.Context, fromKey, toKey string) (int, int, error) {
	result, err := s.run(ctx, `
		OPTIONAL MATCH (d:Document {tenant_key: $from})
		WITH collect(d) AS docs
		OPTIONAL MATCH (c:Chunk {tenant_key: $from})
		WITH docs, collect(c) AS chunks
		FOREACH (d IN docs | SET d.tenant_key = $to)
		FOREACH (c IN chunks | SET c.tenant_key = $to)
		RETURN size(docs) AS documents, size(chunks) AS chunks`,
		map[string]any{"from": fromKey, "to": toKey})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to rekey tenant: %w", err)
	}
	if len(result.Records) == 0 {
		return 0, 0, nil
	}
	rec := result.Records[0]
	return int(intValue(rec, "documents")), int(intValue(rec, "chunks")), nil
}

func (s *Neo4jStore) DeleteExpiredAnonymous(ctx context.Context, anonPrefix string, cutoff time.Time) ([]string, error) {
	result, err := s.run(ctx, `
		MATCH (d:Document)
		WHERE d.tenant_key STARTS WITH $prefix AND d.upload_time < $cutoff
		OPTIONAL MATCH (d)-[:CONTAINS]->(c:Chunk)
		WITH collect(DISTINCT d) AS docs, collect(DISTINCT c) AS chunks,
		     [ch IN collect(DISTINCT c) | ch.id] AS chunk_ids
		FOREACH (c IN chunks | DETACH DELETE c)
		FOREACH (d IN docs | DETACH DELETE d)
		RETURN chunk_ids`,
		map[string]any{"prefix": anonPrefix, "cutoff": cutoff.Unix()})
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired anonymous data: %w", err)
	}
	if len(result.Records) == 0 {
		return nil, nil
	}
	return stringSliceValue(result.Records[0], "chunk_ids"), nil
}

func (s *Neo4jStore) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ensure Neo4jStore implements GraphStore interface.
var _ GraphStore = (*Neo4jStore)(nil)
