package rag

import (
	"sort"
	"strings"
)

// DefaultCorpus is the built-in document set
var DefaultCorpus = []string{
	"Take a leisurely walk in the park and enjoy the fresh air.",
	"Visit a local museum and discover something new.",
	"Attend a live music concert and feel the rhythm.",
	"Go for a hike and admire the natural scenery.",
	"Have a picnic with friends and share some laughs.",
	"Explore a new cuisine by dining at an ethnic restaurant.",
	"Take a yoga class and stretch your body and mind.",
	"Join a local sports league and enjoy some friendly competition.",
	"Attend a workshop or lecture on a topic you're interested in.",
	"Visit an amusement park and ride the roller coasters.",
}

// DefaultTopK is how many documents back an answer
const DefaultTopK = 3

// ScoredDocument is a corpus entry with its similarity to the query
type ScoredDocument struct {
	Text  string
	Score float64
}

// Tokenize lower-cases text and splits it on whitespace into a set
func Tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(text)) {
		tokens[f] = struct{}{}
	}
	return tokens
}

// Jaccard returns |a∩b| / |a∪b|, or 0 when both are empty
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	intersection := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

// Retriever ranks a fixed corpus against queries
type Retriever struct {
	docs   []string
	tokens []map[string]struct{}
}

// NewRetriever tokenizes the corpus once
func NewRetriever(corpus []string) *Retriever {
	r := &Retriever{
		docs:   append([]string(nil), corpus...),
		tokens: make([]map[string]struct{}, len(corpus)),
	}
	for i, doc := range corpus {
		r.tokens[i] = Tokenize(doc)
	}
	return r
}

// TopK returns the k most similar documents, best first. Ties keep corpus order.
func (r *Retriever) TopK(query string, k int) []ScoredDocument {
	q := Tokenize(query)
	scored := make([]ScoredDocument, len(r.docs))
	for i, doc := range r.docs {
		scored[i] = ScoredDocument{Text: doc, Score: Jaccard(q, r.tokens[i])}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if k < 0 {
		k = 0
	}
	if k > len(scored) {
		k = len(scored)
	}
	return scored[:k]
}

// BuildPrompt assembles the grounded question sent to the model
func BuildPrompt(query string, docs []ScoredDocument) string {
	lines := make([]string, len(docs))
	for i, d := range docs {
		lines[i] = "- " + d.Text
	}
	return "You are a helpful assistant. Use the following context to answer the question.\n\n" +
		"Context:\n" + strings.Join(lines, "\n") + "\n\n" +
		"Question: " + query + "\n\nAnswer:"
}
