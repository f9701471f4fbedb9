package vectorstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/indexd/internal/config"
)

// maxGRPCMessageSize accommodates large chunk batches in one call.
const maxGRPCMessageSize = 50 * 1024 * 1024

// QdrantStore talks to a Qdrant server over native gRPC (port 6334, not
// the HTTP REST port), which avoids the HTTP layer's payload limits.
//
// Qdrant point IDs must be UUIDs or integers, so chunk ids are mapped to
// deterministic UUIDv5 values. The original chunk id is kept in the
// payload under "id" and restored on read, which keeps upserts and
// deletes idempotent per chunk.
type QdrantStore struct {
	client *qdrant.Client
	cfg    config.QdrantConfig
	logger *zap.Logger
}

// NewQdrantStore connects and verifies the server is reachable.
func NewQdrantStore(cfg config.QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: qdrant host required", ErrInvalidConfig)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: invalid qdrant port %d", ErrInvalidConfig, cfg.Port)
	}
	if cfg.VectorSize <= 0 {
		return nil, fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.Host,
		Port: cfg.Port,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(maxGRPCMessageSize),
				grpc.MaxCallSendMsgSize(maxGRPCMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to qdrant: %v", ErrVectorStore, err)
	}

	logger = logger.Named("qdrant")
	logger.Info("qdrant store connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port))

	return &QdrantStore{client: client, cfg: cfg, logger: logger}, nil
}

// pointID maps a chunk id to a stable Qdrant UUID.
func pointID(id string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String())
}

// IsTransientError reports whether a gRPC failure is worth retrying.
func IsTransientError(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// EnsureCollection implements Store.
func (s *QdrantStore) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if vectorSize == 0 {
		vectorSize = s.cfg.VectorSize
	}

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: checking collection %s: %v", ErrVectorStore, name, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(vectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("%w: creating collection %s: %v", ErrVectorStore, name, err)
	}
	return nil
}

// Upsert implements Store.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := make(map[string]*qdrant.Value, len(p.Payload)+2)
		payload["id"] = qdrant.NewValueString(p.ID)
		payload["content"] = qdrant.NewValueString(p.Content)
		for k, v := range p.Payload {
			payload[k] = qdrant.NewValueString(v)
		}
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      pointID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payload,
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("%w: upserting %d points: %v", ErrVectorStore, len(points), err)
	}
	return nil
}

// Delete implements Store.
func (s *QdrantStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = pointID(id)
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("%w: deleting %d points: %v", ErrVectorStore, len(ids), err)
	}
	return nil
}

// Query implements Store.
func (s *QdrantStore) Query(ctx context.Context, collection string, vector []float32, k int, filter map[string]string) ([]Match, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidConfig, k)
	}
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	var qdrantFilter *qdrant.Filter
	if len(filter) > 0 {
		conditions := make([]*qdrant.Condition, 0, len(filter))
		for key, value := range filter {
			conditions = append(conditions, qdrant.NewMatch(key, value))
		}
		qdrantFilter = &qdrant.Filter{Must: conditions}
	}

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         qdrantFilter,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: querying %s: %v", ErrVectorStore, collection, err)
	}

	matches := make([]Match, len(results))
	for i, point := range results {
		match := Match{Score: point.Score, Payload: make(map[string]string)}
		for key, value := range point.Payload {
			sv, ok := value.Kind.(*qdrant.Value_StringValue)
			if !ok {
				continue
			}
			switch key {
			case "id":
				match.ID = sv.StringValue
			case "content":
				match.Content = sv.StringValue
			default:
				match.Payload[key] = sv.StringValue
			}
		}
		matches[i] = match
	}
	return matches, nil
}

// Count implements Counter.
func (s *QdrantStore) Count(ctx context.Context, collection string) (int, error) {
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: counting %s: %v", ErrVectorStore, collection, err)
	}
	return int(count), nil
}

// Close implements Store.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

var (
	_ Store   = (*QdrantStore)(nil)
	_ Counter = (*QdrantStore)(nil)
)
