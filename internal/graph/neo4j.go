// Package graph implements the passage relationship graph backing the
// related-passages and content-gap features: co-retrieval edges between
// Passages, and edges from a Query to the Passages that answered it. The
// session/ExecuteWrite shape is grounded on the WessleyAI GraphStore
// pattern; the domain (co-retrieval clustering over RetrievalOrchestrator
// output) adapts the teacher's now-retired related.go/content_gap.go SQL
// heuristics into graph traversals instead.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Graph wraps a Neo4j driver with the operations RetrievalOrchestrator and
// the content-gap sweep need. A nil *Graph is valid: every method becomes a
// no-op, so deployments without Neo4jURI configured skip the feature
// entirely rather than failing requests.
type Graph struct {
	driver neo4j.DriverWithContext
}

// New dials uri with basic auth and verifies connectivity. Callers treat a
// non-nil error as "feature disabled for this deployment" rather than a
// fatal startup error, per spec's Neo4jURI-empty-disables-feature note.
func New(ctx context.Context, uri, user, password string) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("graph.New: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("graph.New: connectivity: %w", err)
	}
	return &Graph{driver: driver}, nil
}

// Close releases the underlying driver.
func (g *Graph) Close(ctx context.Context) error {
	if g == nil {
		return nil
	}
	return g.driver.Close(ctx)
}

// RecordCoRetrieval notes that passageIDs were returned together in one
// retrieval result set, creating or strengthening a CITED_WITH edge
// between every pair. Best-effort: callers log and continue on error
// rather than failing the query that triggered it, matching
// ChatPersistence's indexAsync posture for auxiliary writes.
func (g *Graph) RecordCoRetrieval(ctx context.Context, passageIDs []string) error {
	if g == nil || len(passageIDs) < 2 {
		return nil
	}
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for i := 0; i < len(passageIDs); i++ {
			for j := i + 1; j < len(passageIDs); j++ {
				a, b, ok := canonicalPair(passageIDs[i], passageIDs[j])
				if !ok {
					continue
				}
				cypher := `MERGE (p1:Passage {id: $a})
					MERGE (p2:Passage {id: $b})
					MERGE (p1)-[e:CITED_WITH]-(p2)
					ON CREATE SET e.weight = 1
					ON MATCH SET e.weight = e.weight + 1`
				if _, err := tx.Run(ctx, cypher, map[string]any{"a": a, "b": b}); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("graph.Graph.RecordCoRetrieval: %w", err)
	}
	return nil
}

// canonicalPair orders two passage IDs so a and b always produce the same
// (a, b) regardless of call order, so MERGE never creates both (a)-(b) and
// (b)-(a) edges for one unordered pair. ok is false for a self-pair.
func canonicalPair(x, y string) (a, b string, ok bool) {
	if x == y {
		return "", "", false
	}
	if x > y {
		return y, x, true
	}
	return x, y, true
}

// RecordAnswerEdge links a query to a passage that was used to answer it,
// with the orchestrator's confidence for that passage. Low-confidence
// edges are what ContentGaps clusters over.
func (g *Graph) RecordAnswerEdge(ctx context.Context, queryText, passageID string, confidence float64) error {
	if g == nil {
		return nil
	}
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MERGE (q:Query {text: $text})
		ON CREATE SET q.createdAt = timestamp()
		MERGE (p:Passage {id: $passageId})
		MERGE (q)-[e:ANSWERS]->(p)
		SET e.confidence = $confidence`
	_, err := sess.Run(ctx, cypher, map[string]any{
		"text":       queryText,
		"passageId":  passageID,
		"confidence": confidence,
	})
	if err != nil {
		return fmt.Errorf("graph.Graph.RecordAnswerEdge: %w", err)
	}
	return nil
}

// RelatedPassages returns up to limit passage IDs connected to passageID by
// a CITED_WITH edge, ordered by edge weight descending (most frequently
// co-retrieved first).
func (g *Graph) RelatedPassages(ctx context.Context, passageID string, limit int) ([]string, error) {
	if g == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	result, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		cypher := `MATCH (p:Passage {id: $id})-[e:CITED_WITH]-(other:Passage)
			RETURN other.id AS id
			ORDER BY e.weight DESC
			LIMIT $limit`
		res, err := tx.Run(ctx, cypher, map[string]any{"id": passageID, "limit": limit})
		if err != nil {
			return nil, err
		}
		var ids []string
		for res.Next(ctx) {
			id, _, err := neo4j.GetRecordValue[string](res.Record(), "id")
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graph.Graph.RelatedPassages: %w", err)
	}
	return result.([]string), nil
}

// ContentGap is a cluster of semantically distinct queries the corpus
// answered poorly, surfaced so curators know what passages to add.
type ContentGap struct {
	SamplePassageIDs []string
	QueryTexts       []string
	AvgConfidence    float64
	Size             int
}

// ContentGaps groups ANSWERS edges whose confidence is below maxConfidence
// by the passage they point at, keeping only passages reached by at least
// minClusterSize distinct queries. Each returned gap covers exactly one
// passage; gaps that share queries are not merged with each other, and a
// query's other, higher-confidence edges are not considered.
func (g *Graph) ContentGaps(ctx context.Context, maxConfidence float64, minClusterSize int) ([]ContentGap, error) {
	if g == nil {
		return nil, nil
	}
	if minClusterSize <= 0 {
		minClusterSize = 2
	}
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	result, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		cypher := `MATCH (q:Query)-[e:ANSWERS]->(p:Passage)
			WHERE e.confidence < $maxConfidence
			WITH p, collect(DISTINCT q.text) AS queries, avg(e.confidence) AS avgConfidence
			WHERE size(queries) >= $minSize
			RETURN p.id AS passageId, queries, avgConfidence
			ORDER BY avgConfidence ASC`
		res, err := tx.Run(ctx, cypher, map[string]any{
			"maxConfidence": maxConfidence,
			"minSize":       minClusterSize,
		})
		if err != nil {
			return nil, err
		}
		var gaps []ContentGap
		for res.Next(ctx) {
			rec := res.Record()
			passageID, _, err := neo4j.GetRecordValue[string](rec, "passageId")
			if err != nil {
				return nil, err
			}
			queriesRaw, _, err := neo4j.GetRecordValue[[]any](rec, "queries")
			if err != nil {
				return nil, err
			}
			avgConfidence, _, err := neo4j.GetRecordValue[float64](rec, "avgConfidence")
			if err != nil {
				return nil, err
			}
			queries := make([]string, 0, len(queriesRaw))
			for _, q := range queriesRaw {
				if s, ok := q.(string); ok {
					queries = append(queries, s)
				}
			}
			gaps = append(gaps, ContentGap{
				SamplePassageIDs: []string{passageID},
				QueryTexts:       queries,
				AvgConfidence:    avgConfidence,
				Size:             len(queries),
			})
		}
		return gaps, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graph.Graph.ContentGaps: %w", err)
	}
	return result.([]ContentGap), nil
}
