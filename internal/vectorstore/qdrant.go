package vectorstore

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// sparseVectorName is the named vector Qdrant stores SPLADE weights under,
// alongside the collection's default dense vector.
const sparseVectorName = "splade"

// Qdrant is the primary VectorStoreClient implementation, backing named
// collections with both a dense vector and a named sparse vector per point.
type Qdrant struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
}

// NewQdrant dials addr (host:port, plaintext — TLS termination is expected
// at the cluster ingress per the teacher's deployment) and returns a Qdrant
// client. The connection is shared across all collections.
func NewQdrant(addr string) (*Qdrant, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("vectorstore.NewQdrant: dial %s: %w", addr, err)
	}
	return &Qdrant{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
	}, nil
}

// Close closes the underlying gRPC connection.
func (q *Qdrant) Close() error {
	return q.conn.Close()
}

// EnsureCollection creates collection with a dense vector of size dims and a
// named sparse vector, if it does not already exist.
func (q *Qdrant) EnsureCollection(ctx context.Context, collection string, dims int) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("vectorstore.Qdrant.EnsureCollection: list: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == collection {
			return nil
		}
	}

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		SparseVectorsConfig: &pb.SparseVectorConfig{
			Map: map[string]*pb.SparseVectorParams{
				sparseVectorName: {},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore.Qdrant.EnsureCollection: create %s: %w", collection, err)
	}
	return nil
}

// Upsert writes passages as points carrying both a dense vector and a
// sparse vector under sparseVectorName, plus text/sourceRef/metadata payload.
func (q *Qdrant) Upsert(ctx context.Context, collection string, passages []model.Passage) error {
	if len(passages) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(passages))
	for i, p := range passages {
		payload := map[string]*pb.Value{
			"text":       {Kind: &pb.Value_StringValue{StringValue: p.Text}},
			"source_ref": {Kind: &pb.Value_StringValue{StringValue: p.SourceRef}},
			"collection": {Kind: &pb.Value_StringValue{StringValue: p.Collection}},
		}
		for k, v := range p.Metadata {
			payload["meta_"+k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
		}

		vectors := &pb.NamedVectors{Vectors: map[string]*pb.Vector{}}
		if len(p.DenseVec) > 0 {
			vectors.Vectors[""] = &pb.Vector{Data: p.DenseVec}
		}
		if len(p.SparseVec) > 0 {
			indices, values := sparseVectorToQdrant(p.SparseVec)
			vectors.Vectors[sparseVectorName] = &pb.Vector{
				Data: values,
				Indices: &pb.SparseIndices{Data: indices},
			}
		}

		points[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.ID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vectors{Vectors: vectors}},
			Payload: payload,
		}
	}

	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("vectorstore.Qdrant.Upsert: %d points into %s: %w", len(points), collection, err)
	}
	return nil
}

// DeleteByMetadata removes all points whose metadata field k equals v, for
// every (k, v) pair in filter (AND semantics).
func (q *Qdrant) DeleteByMetadata(ctx context.Context, collection string, filter map[string]string) error {
	if len(filter) == 0 {
		return fmt.Errorf("vectorstore.Qdrant.DeleteByMetadata: empty filter refused")
	}
	must := make([]*pb.Condition, 0, len(filter))
	for k, v := range filter {
		must = append(must, fieldMatch("meta_"+k, v))
	}

	wait := true
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: must},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore.Qdrant.DeleteByMetadata: %s: %w", collection, err)
	}
	return nil
}

// DenseSearch runs k-NN search against the collection's unnamed (dense) vector.
func (q *Qdrant) DenseSearch(ctx context.Context, collection string, vec []float32, limit int, filter map[string]string) ([]Candidate, error) {
	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: collection,
		Vector:         vec,
		Limit:          uint64(limit),
		Filter:         metadataFilter(filter),
		WithPayload:    withPayload(),
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore.Qdrant.DenseSearch: %s: %w", collection, err)
	}
	return toCandidates(resp.GetResult(), collection), nil
}

// SparseSearch runs k-NN search against the named sparse vector.
func (q *Qdrant) SparseSearch(ctx context.Context, collection string, vec model.SparseVector, limit int, filter map[string]string) ([]Candidate, error) {
	indices, values := sparseVectorToQdrant(vec)
	resp, err := q.points.SearchBatch(ctx, &pb.SearchBatchPoints{
		CollectionName: collection,
		SearchPoints: []*pb.SearchPoints{{
			CollectionName: collection,
			VectorName:     strPtr(sparseVectorName),
			SparseIndices:  &pb.SparseIndices{Data: indices},
			Vector:         values,
			Limit:          uint64(limit),
			Filter:         metadataFilter(filter),
			WithPayload:    withPayload(),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore.Qdrant.SparseSearch: %s: %w", collection, err)
	}
	results := resp.GetResult()
	if len(results) == 0 {
		return nil, nil
	}
	return toCandidates(results[0].GetResult(), collection), nil
}

// metadataFilter builds an AND-of-equality Qdrant filter from a metadata
// map, or nil when filter is empty (unrestricted search).
func metadataFilter(filter map[string]string) *pb.Filter {
	if len(filter) == 0 {
		return nil
	}
	must := make([]*pb.Condition, 0, len(filter))
	for k, v := range filter {
		must = append(must, fieldMatch("meta_"+k, v))
	}
	return &pb.Filter{Must: must}
}

func toCandidates(scored []*pb.ScoredPoint, collection string) []Candidate {
	out := make([]Candidate, len(scored))
	for i, r := range scored {
		p := model.Passage{
			ID:         r.GetId().GetUuid(),
			Collection: collection,
			Metadata:   map[string]string{},
		}
		for k, v := range r.GetPayload() {
			s := v.GetStringValue()
			switch {
			case k == "text":
				p.Text = s
			case k == "source_ref":
				p.SourceRef = s
			case len(k) > 5 && k[:5] == "meta_":
				p.Metadata[k[5:]] = s
			}
		}
		out[i] = Candidate{Passage: p, Score: float64(r.GetScore())}
	}
	return out
}

func sparseVectorToQdrant(v model.SparseVector) ([]uint32, []float32) {
	indices := make([]uint32, 0, len(v))
	values := make([]float32, 0, len(v))
	for idx, weight := range v {
		indices = append(indices, idx)
		values = append(values, weight)
	}
	return indices, values
}

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

func withPayload() *pb.WithPayloadSelector {
	return &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}}
}

func strPtr(s string) *string { return &s }
