// Package vectordb provides a Qdrant-backed similarity index for the categorization cascade.
package vectordb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/model"
	"github.com/Veraticus/expense-flow/internal/similarity"
)

// Compile-time interface check.
var _ similarity.Index = (*QdrantIndex)(nil)

// Payload keys.
const (
	keyText       = "text"
	keyGLCode     = "gl_code"
	keyDepartment = "department"
	keyVerified   = "verified"
	keyExpiresAt  = "expires_at" // unix seconds, 0 when verified
	keyCreatedAt  = "created_at"
)

// pointNamespace derives stable point ids from description text.
var pointNamespace = uuid.MustParse("6f1c2b9e-4d0a-4c39-9a57-2f1e8e0b7d41")

// Config describes the Qdrant connection and collection.
type Config struct {
	Address    string // host:port of the gRPC endpoint
	APIKey     string
	Collection string
	VectorSize uint64
	Retention  time.Duration
}

// QdrantIndex implements similarity.Index on a Qdrant collection with cosine distance.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	logger      *slog.Logger
	now         func() time.Time
	collection  string
	apiKey      string
	vectorSize  uint64
	retention   time.Duration
}

// Dial connects to Qdrant. The connection is established lazily on the first call.
func Dial(cfg Config, logger *slog.Logger) (*QdrantIndex, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: vectordb address", common.ErrMissingConfig)
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: vectordb collection", common.ErrMissingConfig)
	}

	conn, err := grpc.NewClient(cfg.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant at %s: %w", cfg.Address, err)
	}

	idx := newIndex(pb.NewCollectionsClient(conn), pb.NewPointsClient(conn), cfg, logger)
	idx.conn = conn
	return idx, nil
}

func newIndex(collections pb.CollectionsClient, points pb.PointsClient, cfg Config, logger *slog.Logger) *QdrantIndex {
	retention := cfg.Retention
	if retention <= 0 {
		retention = similarity.DefaultRetention
	}
	return &QdrantIndex{
		collections: collections,
		points:      points,
		logger:      common.LoggerOrDefault(logger),
		now:         time.Now,
		collection:  cfg.Collection,
		apiKey:      cfg.APIKey,
		vectorSize:  cfg.VectorSize,
		retention:   retention,
	}
}

// Close releases the gRPC connection.
func (q *QdrantIndex) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

func (q *QdrantIndex) ctx(ctx context.Context) context.Context {
	if q.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "api-key", q.apiKey)
}

// EnsureCollection creates the collection with cosine distance if it does not exist.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	if _, err := q.collections.Get(q.ctx(ctx), &pb.GetCollectionInfoRequest{CollectionName: q.collection}); err == nil {
		q.logger.Debug("Qdrant collection exists", "collection", q.collection)
		return nil
	}

	if q.vectorSize == 0 {
		return fmt.Errorf("%w: vectordb vector size", common.ErrMissingConfig)
	}

	q.logger.Info("Creating Qdrant collection", "collection", q.collection, "dim", q.vectorSize)
	_, err := q.collections.Create(q.ctx(ctx), &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     q.vectorSize,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", q.collection, err)
	}
	return nil
}

// Search returns the nearest active points, highest score first.
func (q *QdrantIndex) Search(ctx context.Context, vector []float32, limit int) ([]similarity.Match, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1
	}

	resp, err := q.points.Search(q.ctx(ctx), &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(limit),
		Filter:         activeFilter(q.now()),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	matches := make([]similarity.Match, 0, len(resp.GetResult()))
	for _, point := range resp.GetResult() {
		rec := recordFromPayload(point.GetId(), point.GetPayload())
		matches = append(matches, similarity.Match{Record: rec, Score: float64(point.GetScore())})
	}
	return matches, nil
}

// Upsert writes rec as a point keyed by its text. An existing verified point is not
// overwritten by an unverified record.
func (q *QdrantIndex) Upsert(ctx context.Context, rec *model.EmbeddingRecord) error {
	if rec == nil || rec.Text == "" || len(rec.Vector) == 0 {
		return common.Validationf("embedding record requires text and vector")
	}

	id := pointID(rec.Text)
	if !rec.Verified {
		existing, err := q.get(ctx, id)
		if err != nil {
			return err
		}
		if existing != nil && existing.Verified {
			q.logger.Debug("Keeping verified point", "text", rec.Text)
			return nil
		}
	}

	now := q.now()
	similarity.ApplyRetention(rec, now, q.retention)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.ID = id.GetUuid()

	wait := true
	_, err := q.points.Upsert(q.ctx(ctx), &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: id,
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: rec.Vector}},
			},
			Payload: payloadFromRecord(rec),
		}},
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert failed: %w", err)
	}
	return nil
}

// MarkVerified clears the expiry of the point for text. A missing point is not an error.
func (q *QdrantIndex) MarkVerified(ctx context.Context, text string) error {
	id := pointID(text)
	existing, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil || existing.Verified {
		return nil
	}

	wait := true
	_, err = q.points.SetPayload(q.ctx(ctx), &pb.SetPayloadPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Payload: map[string]*pb.Value{
			keyVerified:  boolValue(true),
			keyExpiresAt: intValue(0),
		},
		PointsSelector: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: []*pb.PointId{id}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant set payload failed: %w", err)
	}
	return nil
}

// PurgeExpired deletes unverified points whose expiry is at or before now.
func (q *QdrantIndex) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	filter := expiredFilter(now)

	exact := true
	count, err := q.points.Count(q.ctx(ctx), &pb.CountPoints{
		CollectionName: q.collection,
		Filter:         filter,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant count failed: %w", err)
	}
	n := int(count.GetResult().GetCount())
	if n == 0 {
		return 0, nil
	}

	wait := true
	_, err = q.points.Delete(q.ctx(ctx), &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: filter},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant delete failed: %w", err)
	}

	q.logger.Info("Purged expired embeddings", "count", n)
	return n, nil
}

func (q *QdrantIndex) get(ctx context.Context, id *pb.PointId) (*model.EmbeddingRecord, error) {
	resp, err := q.points.Get(q.ctx(ctx), &pb.GetPoints{
		CollectionName: q.collection,
		Ids:            []*pb.PointId{id},
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant get failed: %w", err)
	}
	if len(resp.GetResult()) == 0 {
		return nil, nil
	}
	rec := recordFromPayload(resp.GetResult()[0].GetId(), resp.GetResult()[0].GetPayload())
	return &rec, nil
}
