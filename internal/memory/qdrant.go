package memory

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// Qdrant only allows UUIDs and positive integers as point IDs, so episode
// ids are mapped to deterministic UUIDs and the original id rides in the
// payload.
const payloadIDField = "_original_id"

// QdrantIndex is a qdrant-backed VectorIndex for episode recall.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// NewQdrantIndex connects to qdrant (gRPC API, port 6334 by default) and
// ensures the collection exists with cosine distance. An API key may be
// passed as a query parameter: "http://localhost:6334?api_key=...".
func NewQdrantIndex(dsn, collection string, dimension int) (*QdrantIndex, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("qdrant requires dimension > 0")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant DSN: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant DSN: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	idx := &QdrantIndex{client: client, collection: collection, dimension: dimension}
	if err := idx.ensureCollection(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure collection: %w", err)
	}
	return idx, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

func pointUUID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

// Upsert implements VectorIndex.
func (q *QdrantIndex) Upsert(ctx context.Context, id string, vector []float32) error {
	uuidStr := pointUUID(id)
	payload := map[string]any{}
	if uuidStr != id {
		payload[payloadIDField] = id
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewIDUUID(uuidStr),
				Vectors: qdrant.NewVectorsDense(vec),
				Payload: qdrant.NewValueMap(payload),
			},
		},
	})
	return err
}

// Remove implements VectorIndex.
func (q *QdrantIndex) Remove(ctx context.Context, id string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(pointUUID(id))),
	})
	return err
}

// Search implements VectorIndex; results come back ordered by descending
// similarity.
func (q *QdrantIndex) Search(ctx context.Context, query []float32, k int) ([]IndexHit, error) {
	if k <= 0 {
		return nil, nil
	}
	vec := make([]float32, len(query))
	copy(vec, query)
	limit := uint64(k)
	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	hits := make([]IndexHit, 0, len(results))
	for _, hit := range results {
		id := hit.Id.GetUuid()
		if hit.Payload != nil {
			if orig, ok := hit.Payload[payloadIDField]; ok {
				if s := orig.GetStringValue(); s != "" {
					id = s
				}
			}
		}
		hits = append(hits, IndexHit{ID: id, Score: hit.Score})
	}
	return hits, nil
}

// Close releases the underlying client.
func (q *QdrantIndex) Close() error { return q.client.Close() }
