// Package vector implements the vector index (C2): a thin, sole-owner
// wrapper around a Qdrant collection providing cosine top-k search with
// payload filtering, idempotent upsert, and payload-predicate deletion.
package vector

import (
	"context"
	"fmt"
	"sort"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/syriaqa/qapipeline/domain"
)

// Store is the sole owner of all Qdrant operations backing the vector index.
type Store struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	dims        int
}

// New dials Qdrant at addr and returns a Store bound to collection, which is
// not created until EnsureCollection is called.
func New(addr, collection string, dims int) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("vector: dial qdrant %s: %w", addr, err)
	}
	return &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		dims:        dims,
	}, nil
}

// NewWithClients builds a Store from already-constructed gRPC clients,
// bypassing dialing. Used in tests to inject fakes.
func NewWithClients(points pb.PointsClient, collections pb.CollectionsClient, collection string, dims int) *Store {
	return &Store{points: points, collections: collections, collection: collection, dims: dims}
}

// Close closes the underlying gRPC connection, if any.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// EnsureCollection creates the collection with cosine distance and the
// store's fixed dimension if it does not already exist. Called by the health
// gate (C8); Upsert and UpsertBatch do not call it, so a write to a
// collection that was never created fails.
func (s *Store) EnsureCollection(ctx context.Context) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("%w: list collections: %v", domain.ErrUnavailable, err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return nil
		}
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(s.dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: create collection %s: %v", domain.ErrUnavailable, s.collection, err)
	}
	return nil
}

// Upsert stores a single point, idempotent on PointID: last writer wins.
func (s *Store) Upsert(ctx context.Context, p domain.VectorPoint) error {
	return s.UpsertBatch(ctx, []domain.VectorPoint{p})
}

// UpsertBatch stores points atomically at the batch level only; there is no
// cross-batch transaction.
func (s *Store) UpsertBatch(ctx context.Context, points []domain.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}

	pbPoints := make([]*pb.PointStruct, len(points))
	for i, p := range points {
		if len(p.Vector) != s.dims {
			return fmt.Errorf("%w: point %s has dim %d, want %d", domain.ErrDimensionMismatch, p.PointID, len(p.Vector), s.dims)
		}
		pbPoints[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.PointID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}}},
			Payload: payloadFromPoint(p),
		}
	}

	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         pbPoints,
	})
	if err != nil {
		return fmt.Errorf("%w: upsert %d points: %v", domain.ErrTransient, len(points), err)
	}
	return nil
}

// Search returns up to k hits with score >= minScore, sorted descending by
// score and, on tie, by insertion order (older first, as Qdrant returns
// results in index order for equal scores).
func (s *Store) Search(ctx context.Context, vec []float32, k int, minScore float64, filter map[string]string) ([]domain.ScoredHit, error) {
	if len(vec) != s.dims {
		return nil, fmt.Errorf("%w: query dim %d, want %d", domain.ErrDimensionMismatch, len(vec), s.dims)
	}

	req := &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vec,
		Limit:          uint64(k),
		ScoreThreshold: float32Ptr(float32(minScore)),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(filter) > 0 {
		must := make([]*pb.Condition, 0, len(filter))
		for k, v := range filter {
			must = append(must, fieldMatch(k, v))
		}
		req.Filter = &pb.Filter{Must: must}
	}

	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", domain.ErrUnavailable, err)
	}

	hits := make([]domain.ScoredHit, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		payload := decodePayload(r.GetPayload())
		qaID, _ := payload["qa_id"].(string)
		question, _ := payload["question_text"].(string)
		hits = append(hits, domain.ScoredHit{
			QAID:         qaID,
			QuestionText: question,
			Score:        float64(r.GetScore()),
			Payload:      payload,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits, nil
}

// DeleteByPayload removes all points whose payload matches every key/value
// pair in predicate.
func (s *Store) DeleteByPayload(ctx context.Context, predicate map[string]string) error {
	if len(predicate) == 0 {
		return nil
	}
	must := make([]*pb.Condition, 0, len(predicate))
	for k, v := range predicate {
		must = append(must, fieldMatch(k, v))
	}

	wait := true
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: must},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: delete by payload: %v", domain.ErrTransient, err)
	}
	return nil
}

// Stats reports collection point count and connectivity.
type Stats struct {
	PointsTotal int64
	Connected   bool
}

// Stats returns the current collection size, or Connected=false if Qdrant is
// unreachable.
func (s *Store) Stats(ctx context.Context) Stats {
	info, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collection})
	if err != nil {
		return Stats{Connected: false}
	}
	return Stats{
		PointsTotal: int64(info.GetResult().GetPointsCount()),
		Connected:   true,
	}
}

func payloadFromPoint(p domain.VectorPoint) map[string]*pb.Value {
	payload := map[string]*pb.Value{
		"qa_id":         strVal(p.QAID),
		"question_text": strVal(p.QuestionText),
		"is_variant":    boolVal(p.IsVariant),
		"language":      strVal(string(p.Language)),
		"created_at":    strVal(p.CreatedAt.Format("2006-01-02T15:04:05Z07:00")),
	}
	if p.OriginQAID != "" {
		payload["origin_qa_id"] = strVal(p.OriginQAID)
	}
	if p.UserID != "" {
		payload["user_id"] = strVal(p.UserID)
	}
	return payload
}

func decodePayload(pv map[string]*pb.Value) map[string]any {
	out := make(map[string]any, len(pv))
	for k, v := range pv {
		switch kind := v.GetKind().(type) {
		case *pb.Value_StringValue:
			out[k] = kind.StringValue
		case *pb.Value_IntegerValue:
			out[k] = kind.IntegerValue
		case *pb.Value_DoubleValue:
			out[k] = kind.DoubleValue
		case *pb.Value_BoolValue:
			out[k] = kind.BoolValue
		}
	}
	return out
}

func strVal(s string) *pb.Value  { return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}} }
func boolVal(b bool) *pb.Value   { return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: b}} }
func float32Ptr(f float32) *float32 { return &f }

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}
