package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/connexus-ai/ragbox-backend/internal/llm"
)

// expand returns the set of query strings to embed and retrieve against,
// per spec §4.1 step 1.
func (o *Orchestrator) expand(ctx context.Context, query string, mode Expansion) ([]string, error) {
	switch mode {
	case ExpansionOff, "":
		return []string{query}, nil
	case ExpansionHyDE:
		hypothetical, err := o.synthesizeHypothetical(ctx, query)
		if err != nil {
			// Expansion is an enhancement, not a hard dependency; fall back
			// to the raw query rather than failing retrieval outright.
			return []string{query}, nil
		}
		return []string{hypothetical}, nil
	case ExpansionMultiQuery:
		paraphrases, err := o.synthesizeParaphrases(ctx, query, multiQueryCount)
		if err != nil || len(paraphrases) == 0 {
			return []string{query}, nil
		}
		return paraphrases, nil
	default:
		return []string{query}, nil
	}
}

func (o *Orchestrator) synthesizeHypothetical(ctx context.Context, query string) (string, error) {
	if o.llm == nil {
		return "", fmt.Errorf("retrieval: no llm client configured for hyde expansion")
	}
	completion, err := o.llm.Generate(ctx,
		"Write a short hypothetical passage that would directly answer the user's question. Do not mention that it is hypothetical.",
		query,
		llm.Params{Model: "", Temperature: 0.3, MaxTokens: 256},
	)
	if err != nil {
		return "", fmt.Errorf("retrieval: hyde synthesis: %w", err)
	}
	return completion.Text, nil
}

func (o *Orchestrator) synthesizeParaphrases(ctx context.Context, query string, n int) ([]string, error) {
	if o.llm == nil {
		return nil, fmt.Errorf("retrieval: no llm client configured for multi-query expansion")
	}
	completion, err := o.llm.Generate(ctx,
		fmt.Sprintf("Rewrite the user's question as %d distinct paraphrases, one per line, no numbering.", n),
		query,
		llm.Params{Model: "", Temperature: 0.5, MaxTokens: 256},
	)
	if err != nil {
		return nil, fmt.Errorf("retrieval: multi-query synthesis: %w", err)
	}

	var out []string
	for _, line := range strings.Split(completion.Text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		return []string{query}, nil
	}
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}
