package vectorindex

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Qdrant is an external-vector-index backend for deployments that keep
// embeddings outside the graph store entirely, grounded in the teacher's
// engine/semantic.VectorStore. It satisfies the same Index interface as
// InProcess so the Graph Store Adapter can swap backends without the
// Summarizer or Documentation step knowing the difference.
type Qdrant struct {
	conn       *grpc.ClientConn
	points     pb.PointsClient
	collections pb.CollectionsClient
	collection string
}

// NewQdrant dials addr and targets collection.
func NewQdrant(addr, collection string) (*Qdrant, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("vectorindex: dial qdrant %s: %w", addr, err)
	}
	return &Qdrant{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// Close closes the underlying gRPC connection.
func (q *Qdrant) Close() error { return q.conn.Close() }

// EnsureCollection creates the collection if it doesn't already exist.
func (q *Qdrant) EnsureCollection(ctx context.Context, dims int) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("vectorindex: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}
	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: uint64(dims), Distance: pb.Distance_Cosine},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorindex: create collection %s: %w", q.collection, err)
	}
	return nil
}

// Upsert stores (or replaces) embeddings keyed by the graph node's key,
// tagged with label so Search can filter by node kind.
func (q *Qdrant) Upsert(ctx context.Context, label string, candidates []Candidate) error {
	if len(candidates) == 0 {
		return nil
	}
	points := make([]*pb.PointStruct, len(candidates))
	for i, c := range candidates {
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: c.Key}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: c.Embedding}},
			},
			Payload: map[string]*pb.Value{
				"label": {Kind: &pb.Value_StringValue{StringValue: label}},
				"key":   {Kind: &pb.Value_StringValue{StringValue: c.Key}},
			},
		}
	}
	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("vectorindex: upsert %d points: %w", len(candidates), err)
	}
	return nil
}

// Search implements Index by filtering on the label payload field.
func (q *Qdrant) Search(ctx context.Context, embedding []float32, label string, limit int) ([]Hit, error) {
	req := &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         embedding,
		Limit:          uint64(limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Filter: &pb.Filter{
			Must: []*pb.Condition{{
				ConditionOneOf: &pb.Condition_Field{
					Field: &pb.FieldCondition{
						Key:   "label",
						Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: label}},
					},
				},
			}},
		},
	}
	resp, err := q.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: search: %w", err)
	}
	hits := make([]Hit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		key := r.GetId().GetUuid()
		if k, ok := r.GetPayload()["key"]; ok {
			key = k.GetStringValue()
		}
		hits[i] = Hit{Key: key, Score: float64(r.GetScore())}
	}
	return hits, nil
}
