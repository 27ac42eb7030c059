package repository

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"github.com/timmy/triage/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const (
	defaultVectorDimension = 1024
)

// VectorIndex is the subset of QdrantRepository the embedding pipeline uses.
type VectorIndex interface {
	UpsertChunks(ctx context.Context, points []ChunkPoint) error
	Search(ctx context.Context, vector []float32, topK int, filters *SearchFilters) ([]SearchResult, error)
}

// QdrantConnectionConfig holds configuration for Qdrant connection
type QdrantConnectionConfig struct {
	Host            string
	Port            int
	Collection      string
	APIKey          string // Qdrant Cloud API Key (enables TLS automatically)
	UseTLS          bool   // Explicitly enable TLS without API Key
	VectorDimension int
}

// apiKeyInterceptor creates a unary interceptor that adds API key to metadata
func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// QdrantRepository indexes chunk embeddings in Qdrant
type QdrantRepository struct {
	conn            *grpc.ClientConn
	pointsClient    pb.PointsClient
	collectClient   pb.CollectionsClient
	collectionName  string
	vectorDimension int
}

// NewQdrantRepository creates a new QdrantRepository
// Supports both local Qdrant (insecure) and Qdrant Cloud (TLS + API Key)
func NewQdrantRepository(cfg *QdrantConnectionConfig) (*QdrantRepository, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	vectorDimension := cfg.VectorDimension
	if vectorDimension <= 0 {
		vectorDimension = defaultVectorDimension
	}

	// Build gRPC dial options
	var opts []grpc.DialOption

	// Determine if TLS should be used
	// TLS is enabled if: APIKey is set OR UseTLS is explicitly true
	useTLS := cfg.UseTLS || cfg.APIKey != ""

	if useTLS {
		// Use TLS with system root certificates (TLS 1.3 minimum for Qdrant Cloud)
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
		creds := credentials.NewTLS(tlsConfig)
		opts = append(opts, grpc.WithTransportCredentials(creds))

		// Add API Key authentication if provided (using unary interceptor)
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		// Local mode: no TLS, no authentication
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	return &QdrantRepository{
		conn:            conn,
		pointsClient:    pb.NewPointsClient(conn),
		collectClient:   pb.NewCollectionsClient(conn),
		collectionName:  cfg.Collection,
		vectorDimension: vectorDimension,
	}, nil
}

// Close closes the gRPC connection
func (r *QdrantRepository) Close() error {
	return r.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist
func (r *QdrantRepository) EnsureCollection(ctx context.Context) error {
	// Check if collection exists
	info, err := r.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{
		CollectionName: r.collectionName,
	})
	if err == nil {
		if size, ok := collectionVectorSize(info.GetResult()); ok {
			if size != uint64(r.vectorDimension) {
				return domain.NewConfigurationError("collection %s has vector size %d, expected %d", r.collectionName, size, r.vectorDimension)
			}
		}
		return nil // Collection exists
	}

	// Create collection
	_, err = r.collectClient.Create(ctx, &pb.CreateCollection{
		CollectionName: r.collectionName,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(r.vectorDimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 optionalUint64(16),
			EfConstruct:       optionalUint64(128),
			FullScanThreshold: optionalUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

func optionalUint64(v uint64) *uint64 {
	return &v
}

func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	if info == nil {
		return 0, false
	}

	config := info.GetConfig()
	if config == nil {
		return 0, false
	}

	params := config.GetParams()
	if params == nil {
		return 0, false
	}

	vectors := params.GetVectorsConfig()
	if vectors == nil {
		return 0, false
	}

	if single := vectors.GetParams(); single != nil {
		if size := single.GetSize(); size > 0 {
			return size, true
		}
	}

	if paramsMap := vectors.GetParamsMap(); paramsMap != nil {
		for _, vectorParams := range paramsMap.GetMap() {
			if vectorParams == nil {
				continue
			}
			if size := vectorParams.GetSize(); size > 0 {
				return size, true
			}
		}
	}

	return 0, false
}

// ChunkPayload represents the payload stored with each chunk vector
type ChunkPayload struct {
	ChunkID    string `json:"chunk_id"`
	ActivityID string `json:"activity_id"`
	TenantID   string `json:"tenant_id"`
	Source     string `json:"source"`
	ChunkIndex int    `json:"chunk_index"`
	OccurredAt int64  `json:"occurred_at"` // unix seconds
	Preview    string `json:"preview"`
}

// ChunkPoint is one vector to index. The point ID is the chunk ID.
type ChunkPoint struct {
	Vector  []float32
	Payload ChunkPayload
}

// UpsertChunks inserts or updates chunk vectors in one request
func (r *QdrantRepository) UpsertChunks(ctx context.Context, points []ChunkPoint) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*pb.PointStruct, 0, len(points))
	for _, point := range points {
		uid, err := uuid.Parse(point.Payload.ChunkID)
		if err != nil {
			return fmt.Errorf("invalid point ID: %w", err)
		}
		if len(point.Vector) != r.vectorDimension {
			return domain.NewConfigurationError("chunk %s: vector size %d, collection expects %d",
				point.Payload.ChunkID, len(point.Vector), r.vectorDimension)
		}

		p := point.Payload
		structs = append(structs, &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: uid.String()},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: point.Vector},
				},
			},
			Payload: map[string]*pb.Value{
				"chunk_id":    stringValue(p.ChunkID),
				"activity_id": stringValue(p.ActivityID),
				"tenant_id":   stringValue(p.TenantID),
				"source":      stringValue(p.Source),
				"chunk_index": {Kind: &pb.Value_IntegerValue{IntegerValue: int64(p.ChunkIndex)}},
				"occurred_at": {Kind: &pb.Value_IntegerValue{IntegerValue: p.OccurredAt}},
				"preview":     stringValue(p.Preview),
			},
		})
	}

	wait := true
	_, err := r.pointsClient.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: r.collectionName,
		Wait:           &wait,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	return nil
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

// SearchResult represents a search result from Qdrant
type SearchResult struct {
	ID      string
	Score   float32
	Payload *ChunkPayload
}

// SearchFilters defines optional filters for search. TenantID is always applied.
type SearchFilters struct {
	TenantID          string
	Source            *string
	ExcludeActivityID string
}

// Search performs a vector similarity search within one tenant
func (r *QdrantRepository) Search(ctx context.Context, vector []float32, topK int, filters *SearchFilters) ([]SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: r.collectionName,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	}

	if filters != nil {
		req.Filter = buildFilter(filters)
	}

	resp, err := r.pointsClient.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchResult, len(resp.Result))
	for i, scored := range resp.Result {
		results[i] = SearchResult{
			ID:      scored.Id.GetUuid(),
			Score:   scored.Score,
			Payload: parsePayload(scored.Payload),
		}
	}

	return results, nil
}

func keywordCondition(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func buildFilter(filters *SearchFilters) *pb.Filter {
	var must, mustNot []*pb.Condition

	if filters.TenantID != "" {
		must = append(must, keywordCondition("tenant_id", filters.TenantID))
	}
	if filters.Source != nil && *filters.Source != "" {
		must = append(must, keywordCondition("source", *filters.Source))
	}
	if filters.ExcludeActivityID != "" {
		mustNot = append(mustNot, keywordCondition("activity_id", filters.ExcludeActivityID))
	}

	if len(must) == 0 && len(mustNot) == 0 {
		return nil
	}

	return &pb.Filter{
		Must:    must,
		MustNot: mustNot,
	}
}

func parsePayload(payload map[string]*pb.Value) *ChunkPayload {
	if payload == nil {
		return nil
	}

	p := &ChunkPayload{}
	if v, ok := payload["chunk_id"]; ok {
		p.ChunkID = v.GetStringValue()
	}
	if v, ok := payload["activity_id"]; ok {
		p.ActivityID = v.GetStringValue()
	}
	if v, ok := payload["tenant_id"]; ok {
		p.TenantID = v.GetStringValue()
	}
	if v, ok := payload["source"]; ok {
		p.Source = v.GetStringValue()
	}
	if v, ok := payload["chunk_index"]; ok {
		p.ChunkIndex = int(v.GetIntegerValue())
	}
	if v, ok := payload["occurred_at"]; ok {
		p.OccurredAt = v.GetIntegerValue()
	}
	if v, ok := payload["preview"]; ok {
		p.Preview = v.GetStringValue()
	}

	return p
}
