package repository

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"github.com/timmy/imagenary/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const (
	// searchCandidates is the first page of top-scoring points pulled back to
	// resolve ties on the best score. The page doubles while every point in it
	// ties, up to maxSearchCandidates.
	searchCandidates    = 8
	maxSearchCandidates = 1024

	payloadRecordID   = "record_id"
	payloadInsertedAt = "inserted_at"
)

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

// QdrantRepository is a similarity index backed by a Qdrant collection with
// cosine distance. Searches run exact (no HNSW approximation) and upserts
// wait for the write to be applied, so a finished Insert is visible to every
// later Query.
type QdrantRepository struct {
	conn            *grpc.ClientConn
	pointsClient    pb.PointsClient
	collectClient   pb.CollectionsClient
	collectionName  string
	vectorDimension int
	now             func() time.Time
}

// NewQdrantRepository creates a new QdrantRepository.
// Supports both local Qdrant (insecure) and Qdrant Cloud (TLS + API Key).
func NewQdrantRepository(cfg *QdrantConnectionConfig) (*QdrantRepository, error) {
	if cfg.VectorDimension <= 0 {
		return nil, fmt.Errorf("qdrant: vector dimension must be positive")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var opts []grpc.DialOption
	if cfg.UseTLS || cfg.APIKey != "" {
		creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS13})
		opts = append(opts, grpc.WithTransportCredentials(creds))
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
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
		vectorDimension: cfg.VectorDimension,
		now:             time.Now,
	}, nil
}

// Close closes the gRPC connection
func (r *QdrantRepository) Close() error {
	return r.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist and checks the
// vector size of an existing one.
func (r *QdrantRepository) EnsureCollection(ctx context.Context) error {
	info, err := r.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{
		CollectionName: r.collectionName,
	})
	if err == nil {
		if size, ok := collectionVectorSize(info.GetResult()); ok && size != uint64(r.vectorDimension) {
			return fmt.Errorf("collection %s has vector size %d, expected %d", r.collectionName, size, r.vectorDimension)
		}
		return nil
	}

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
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	vectors := info.GetConfig().GetParams().GetVectorsConfig()
	if vectors == nil {
		return 0, false
	}
	if single := vectors.GetParams(); single != nil && single.GetSize() > 0 {
		return single.GetSize(), true
	}
	for _, params := range vectors.GetParamsMap().GetMap() {
		if size := params.GetSize(); size > 0 {
			return size, true
		}
	}
	return 0, false
}

// Query returns the best match whose cosine similarity is >= threshold, or
// nil when nothing qualifies. Qdrant scores are float32, so the comparison is
// only as precise as float32 rounding (about 1e-6). Ties are resolved among
// at most maxSearchCandidates points sharing the best score.
func (r *QdrantRepository) Query(ctx context.Context, vector []float32, threshold float64) (*domain.Match, error) {
	if len(vector) != r.vectorDimension {
		return nil, fmt.Errorf("%w: got %d, want %d", domain.ErrDimensionMismatch, len(vector), r.vectorDimension)
	}

	// Round the server-side cutoff down so float32 conversion never drops a
	// point sitting exactly on the threshold.
	cutoff := math.Nextafter32(float32(threshold), float32(math.Inf(-1)))
	exact := true

	limit := uint64(searchCandidates)
	for {
		resp, err := r.pointsClient.Search(ctx, &pb.SearchPoints{
			CollectionName: r.collectionName,
			Vector:         vector,
			Limit:          limit,
			ScoreThreshold: &cutoff,
			Params:         &pb.SearchParams{Exact: &exact},
			WithPayload: &pb.WithPayloadSelector{
				SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to search: %w", err)
		}
		points := resp.GetResult()
		if limit < maxSearchCandidates && pageAllTied(points, limit) {
			limit *= 2
			continue
		}
		return bestScoredPoint(points, threshold), nil
	}
}

// pageAllTied reports whether a full page of results shares one score, in
// which case the newest tied point may lie beyond it.
func pageAllTied(points []*pb.ScoredPoint, limit uint64) bool {
	if uint64(len(points)) < limit || len(points) == 0 {
		return false
	}
	return points[0].GetScore() == points[len(points)-1].GetScore()
}

// bestScoredPoint picks the highest score >= threshold; equal scores go to the
// most recently inserted point.
func bestScoredPoint(points []*pb.ScoredPoint, threshold float64) *domain.Match {
	var (
		best       *domain.Match
		bestInsert int64
	)
	for _, p := range points {
		score := float64(p.GetScore())
		if score < threshold {
			continue
		}
		recordID := p.GetPayload()[payloadRecordID].GetStringValue()
		if recordID == "" {
			recordID = p.GetId().GetUuid()
		}
		inserted := p.GetPayload()[payloadInsertedAt].GetIntegerValue()

		if best == nil || score > best.Score || (score == best.Score && inserted > bestInsert) {
			best = &domain.Match{RecordID: recordID, Score: score}
			bestInsert = inserted
		}
	}
	return best
}

// Insert adds a vector under the given record ID. The ID must be a UUID and
// must not already be present.
func (r *QdrantRepository) Insert(ctx context.Context, vector []float32, id string) error {
	return r.InsertAt(ctx, vector, id, r.now())
}

// InsertAt is Insert with an explicit insertion time, used when rebuilding
// the index so ties keep resolving by record creation order.
func (r *QdrantRepository) InsertAt(ctx context.Context, vector []float32, id string, at time.Time) error {
	if len(vector) != r.vectorDimension {
		return fmt.Errorf("%w: got %d, want %d", domain.ErrDimensionMismatch, len(vector), r.vectorDimension)
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid point ID: %w", err)
	}

	exists, err := r.Contains(ctx, id)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateID, id)
	}

	wait := true
	_, err = r.pointsClient.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: r.collectionName,
		Wait:           &wait,
		Points: []*pb.PointStruct{
			{
				Id: pointID(uid),
				Vectors: &pb.Vectors{
					VectorsOptions: &pb.Vectors_Vector{
						Vector: &pb.Vector{Data: vector},
					},
				},
				Payload: map[string]*pb.Value{
					payloadRecordID:   {Kind: &pb.Value_StringValue{StringValue: id}},
					payloadInsertedAt: {Kind: &pb.Value_IntegerValue{IntegerValue: at.UnixNano()}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}

	return nil
}

// Contains reports whether a point exists for the record ID.
func (r *QdrantRepository) Contains(ctx context.Context, id string) (bool, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return false, fmt.Errorf("invalid point ID: %w", err)
	}

	resp, err := r.pointsClient.Get(ctx, &pb.GetPoints{
		CollectionName: r.collectionName,
		Ids:            []*pb.PointId{pointID(uid)},
	})
	if err != nil {
		return false, fmt.Errorf("failed to get point: %w", err)
	}
	return len(resp.GetResult()) > 0, nil
}

func pointID(uid uuid.UUID) *pb.PointId {
	return &pb.PointId{
		PointIdOptions: &pb.PointId_Uuid{Uuid: uid.String()},
	}
}
