package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantStore implements VectorStore using Qdrant
type QdrantStore struct {
	client      *qdrant.Client
	callTimeout time.Duration
}

// NewQdrantStore creates a new Qdrant vector store client.
// url should be in format "host:port" (e.g., "localhost:6334").
// callTimeout bounds each store call; zero disables the bound.
func NewQdrantStore(ctx context.Context, url string, callTimeout time.Duration) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client, callTimeout: callTimeout}, nil
}

// callCtx bounds one store call with the configured timeout.
func (s *QdrantStore) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.callTimeout)
}

// opErr wraps a call failure, normalizing per-call deadline expiry to
// context.DeadlineExceeded so the HTTP boundary can classify it (grpc status
// errors do not match errors.Is on the context sentinel).
func opErr(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Ping checks connectivity by listing collections.
func (s *QdrantStore) Ping(ctx context.Context) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	_, err := s.client.ListCollections(ctx)
	return err
}

// EnsureCollections creates both collections and their payload indexes. A
// pre-existing collection with a different dimension is a fatal mismatch.
func (s *QdrantStore) EnsureCollections(ctx context.Context, dimension int) error {
	for _, name := range []string{CollectionDocuments, CollectionMemory} {
		exists, err := s.client.CollectionExists(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to check collection %s: %w", name, err)
		}
		if exists {
			info, err := s.client.GetCollectionInfo(ctx, name)
			if err != nil {
				return fmt.Errorf("failed to inspect collection %s: %w", name, err)
			}
			existing := collectionDimension(info)
			if existing != 0 && existing != uint64(dimension) {
				return fmt.Errorf("collection %s has dimension %d, embedder produces %d", name, existing, dimension)
			}
			continue
		}

		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}

		for field, schema := range map[string]qdrant.FieldType{
			"tenant_key":  qdrant.FieldType_FieldTypeKeyword,
			"document_id": qdrant.FieldType_FieldTypeKeyword,
			"anon":        qdrant.FieldType_FieldTypeKeyword,
			"created_at":  qdrant.FieldType_FieldTypeInteger,
		} {
			_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: name,
				FieldName:      field,
				FieldType:      &schema,
			})
			if err != nil {
				return fmt.Errorf("failed to index %s.%s: %w", name, field, err)
			}
		}
	}
	return nil
}

// Upsert inserts or updates points in the named collection
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]*qdrant.Value{
			"tenant_key":  qdrant.NewValueString(p.TenantKey),
			"document_id": qdrant.NewValueString(p.DocumentID),
			"position":    qdrant.NewValueInt(int64(p.Position)),
			"text":        qdrant.NewValueString(p.Text),
			"filename":    qdrant.NewValueString(p.Filename),
			"anon":        qdrant.NewValueString(boolFlag(p.Anonymous)),
			"created_at":  qdrant.NewValueInt(p.CreatedAt.Unix()),
		}
		for k, v := range p.Metadata {
			payload[k] = qdrant.NewValueString(v)
		}

		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Payload: payload,
			Vectors: qdrant.NewVectors(p.Vector...),
		}
	}

	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         qdrantPoints,
	})
	if err != nil {
		return opErr(ctx, "failed to upsert points", err)
	}

	return nil
}

// Search performs similarity search restricted by the filter
func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float32, filter Filter, topK int, minScore float32) ([]SearchResult, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         buildFilter(filter),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: qdrant.PtrOf(minScore),
	})
	if err != nil {
		return nil, opErr(ctx, "failed to search", err)
	}

	results := make([]SearchResult, 0, len(response))
	for _, point := range response {
		result := SearchResult{
			ID:       point.Id.GetUuid(),
			Score:    point.Score,
			Metadata: make(map[string]string),
		}
		fillFromPayload(&result, point.Payload)
		results = append(results, result)
	}

	return results, nil
}

// Scroll pages through points matching the filter without scoring. The
// cursor is the server's next_page_offset: the scroll offset is inclusive,
// so reusing the last returned id would re-return it on the next page.
func (s *QdrantStore) Scroll(ctx context.Context, collection string, filter Filter, limit int, offset string) ([]Point, string, error) {
	req := &qdrant.ScrollPoints{
		CollectionName: collection,
		Filter:         buildFilter(filter),
		Limit:          qdrant.PtrOf(uint32(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if offset != "" {
		req.Offset = qdrant.NewIDUUID(offset)
	}

	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	result, nextOffset, err := s.client.ScrollAndOffset(ctx, req)
	if err != nil {
		return nil, "", opErr(ctx, "failed to scroll", err)
	}

	points := make([]Point, 0, len(result))
	for _, rp := range result {
		points = append(points, pointFromRetrieved(rp))
	}
	return points, offsetString(nextOffset), nil
}

// pointFromRetrieved converts one scrolled point into a Point.
func pointFromRetrieved(rp *qdrant.RetrievedPoint) Point {
	p := Point{
		ID:       rp.GetId().GetUuid(),
		Metadata: make(map[string]string),
	}
	if payload := rp.GetPayload(); payload != nil {
		p.TenantKey = payloadString(payload, "tenant_key")
		p.DocumentID = payloadString(payload, "document_id")
		p.Position = int(payloadInt(payload, "position"))
		p.Text = payloadString(payload, "text")
		p.Filename = payloadString(payload, "filename")
		p.Anonymous = payloadString(payload, "anon") == "true"
		for k, v := range payload {
			if !isReservedField(k) {
				p.Metadata[k] = v.GetStringValue()
			}
		}
	}
	return p
}

// offsetString renders a scroll cursor; a nil offset means the scroll is
// exhausted.
func offsetString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	return id.GetUuid()
}

// SetTenantKey rewrites the tenancy payload fields on the given points
func (s *QdrantStore) SetTenantKey(ctx context.Context, collection string, ids []string, tenantKey string, anonymous bool) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}

	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: collection,
		Payload: map[string]*qdrant.Value{
			"tenant_key": qdrant.NewValueString(tenantKey),
			"anon":       qdrant.NewValueString(boolFlag(anonymous)),
		},
		PointsSelector: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return opErr(ctx, "failed to set tenant key", err)
	}

	return nil
}

// DeleteByFilter removes all points matching the filter
func (s *QdrantStore) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: buildFilter(filter),
			},
		},
	})
	if err != nil {
		return opErr(ctx, "failed to delete by filter", err)
	}
	return nil
}

// DeleteByIDs removes specific points by their IDs
func (s *QdrantStore) DeleteByIDs(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}

	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return opErr(ctx, "failed to delete by IDs", err)
	}

	return nil
}

func buildFilter(f Filter) *qdrant.Filter {
	var must []*qdrant.Condition
	if len(f.TenantKeys) > 0 {
		must = append(must, qdrant.NewMatchKeywords("tenant_key", f.TenantKeys...))
	}
	if len(f.DocumentIDs) > 0 {
		must = append(must, qdrant.NewMatchKeywords("document_id", f.DocumentIDs...))
	}
	if f.AnonOnly {
		must = append(must, qdrant.NewMatch("anon", "true"))
	}
	if !f.CreatedBefore.IsZero() {
		must = append(must, qdrant.NewRange("created_at", &qdrant.Range{
			Lt: qdrant.PtrOf(float64(f.CreatedBefore.Unix())),
		}))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func fillFromPayload(result *SearchResult, payload map[string]*qdrant.Value) {
	if payload == nil {
		return
	}
	result.TenantKey = payloadString(payload, "tenant_key")
	result.DocumentID = payloadString(payload, "document_id")
	result.Position = int(payloadInt(payload, "position"))
	result.Text = payloadString(payload, "text")
	result.Filename = payloadString(payload, "filename")
	for k, v := range payload {
		if !isReservedField(k) {
			result.Metadata[k] = v.GetStringValue()
		}
	}
}

func payloadString(payload map[string]*qdrant.Value, key string) string {
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func payloadInt(payload map[string]*qdrant.Value, key string) int64 {
	if v, ok := payload[key]; ok {
		return v.GetIntegerValue()
	}
	return 0
}

func isReservedField(key string) bool {
	switch key {
	case "tenant_key", "document_id", "position", "text", "filename", "anon", "created_at":
		return true
	}
	return false
}

func boolFlag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func collectionDimension(info *qdrant.CollectionInfo) uint64 {
	cfg := info.GetConfig()
	if cfg == nil {
		return 0
	}
	params := cfg.GetParams()
	if params == nil {
		return 0
	}
	vectors := params.GetVectorsConfig()
	if vectors == nil {
		return 0
	}
	if p := vectors.GetParams(); p != nil {
		return p.GetSize()
	}
	return 0
}

// Ensure QdrantStore implements VectorStore
var _ VectorStore = (*QdrantStore)(nil)
