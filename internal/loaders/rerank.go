package loaders

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"dispatchd/internal/worker"
)

// RerankLoader scores documents against a query by lexical overlap. Same
// contract as a cross-encoder rerank worker: query plus documents in,
// documents sorted by relevance plus scores out.
type RerankLoader struct {
	Model string
}

// NewRerank builds a rerank loader pinned to model.
func NewRerank(model string) worker.Loader { return &RerankLoader{Model: model} }

func (l *RerankLoader) InitModel() error { return nil }

// Transform handles payloads of the form:
//
//	{"query": "...", "documents": [...], "top_n": n}
//
// and returns {"reranked_documents", "scores"} sorted by descending score.
func (l *RerankLoader) Transform(data map[string]any) (map[string]any, error) {
	query, _ := data["query"].(string)
	documents, err := stringSlice(data["documents"])
	if err != nil {
		return nil, fmt.Errorf("documents: %w", err)
	}
	if query == "" || len(documents) == 0 {
		return nil, errors.New("both 'query' and 'documents' must be provided")
	}
	topN := intValue(data["top_n"], len(documents))
	if topN <= 0 || topN > len(documents) {
		topN = len(documents)
	}

	queryTokens := tokenSet(query)
	type scored struct {
		doc   string
		score float64
	}
	ranked := make([]scored, len(documents))
	for i, doc := range documents {
		ranked[i] = scored{doc: doc, score: overlap(queryTokens, tokenSet(doc))}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	docs := make([]string, topN)
	scores := make([]float64, topN)
	for i := 0; i < topN; i++ {
		docs[i] = ranked[i].doc
		scores[i] = ranked[i].score
	}
	return map[string]any{
		"reranked_documents": docs,
		"scores":             scores,
	}, nil
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[tok] = struct{}{}
	}
	return set
}

// overlap is Jaccard similarity between two token sets.
func overlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
