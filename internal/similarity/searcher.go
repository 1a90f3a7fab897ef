// Package similarity implements the lexical similarity engine backing
// episodic recall: sublinear TF-IDF cosine over task text blended with
// Jaccard overlap on tag sets. The corpus is in-memory and bounded; it can
// be rebuilt in full from the backing task store.
package similarity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Config bounds the corpus and weights the two similarity signals.
type Config struct {
	// TextWeight and TagWeight blend cosine and Jaccard; they must sum to 1.
	TextWeight float64
	TagWeight  float64

	// MaxCorpus caps the number of indexed documents; the oldest are
	// evicted on overflow. Zero means 10000.
	MaxCorpus int

	// MaxAge evicts documents older than this during sweeps. Zero means 90
	// days.
	MaxAge time.Duration
}

// DefaultConfig returns the standard 0.6/0.4 blend with a 10k document cap.
func DefaultConfig() Config {
	return Config{
		TextWeight: 0.6,
		TagWeight:  0.4,
		MaxCorpus:  10000,
		MaxAge:     90 * 24 * time.Hour,
	}
}

func (c Config) normalize() (Config, error) {
	if c.TextWeight == 0 && c.TagWeight == 0 {
		c.TextWeight, c.TagWeight = 0.6, 0.4
	}
	if math.Abs(c.TextWeight+c.TagWeight-1.0) > 1e-9 {
		return c, fmt.Errorf("similarity weights must sum to 1, got %f + %f", c.TextWeight, c.TagWeight)
	}
	if c.MaxCorpus <= 0 {
		c.MaxCorpus = 10000
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 90 * 24 * time.Hour
	}
	return c, nil
}

// Match is one search hit.
type Match struct {
	ID    string
	Score float64
}

type document struct {
	id        string
	terms     map[string]int
	tags      map[string]struct{}
	createdAt time.Time
}

// Searcher is the in-memory similarity index. Reads take the read lock;
// Add/Remove take the write lock on the corpus counters.
type Searcher struct {
	mu   sync.RWMutex
	cfg  Config
	docs map[string]*document
	df   map[string]int // document frequency per term
}

// NewSearcher creates an empty index with the given config.
func NewSearcher(cfg Config) (*Searcher, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	return &Searcher{
		cfg:  cfg,
		docs: make(map[string]*document),
		df:   make(map[string]int),
	}, nil
}

// Add indexes a document. Re-adding an existing id replaces it. When the
// corpus exceeds its cap, the oldest document is evicted.
func (s *Searcher) Add(id, text string, tags []string, createdAt time.Time) {
	terms := termCounts(Tokenize(text))
	tagSet := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		if tag != "" {
			tagSet[tag] = struct{}{}
		}
	}
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.docs[id]; ok {
		s.decrementDF(old)
	}
	doc := &document{id: id, terms: terms, tags: tagSet, createdAt: createdAt}
	s.docs[id] = doc
	for term := range terms {
		s.df[term]++
	}

	for len(s.docs) > s.cfg.MaxCorpus {
		s.evictOldestLocked()
	}
}

// Remove drops a document from the index. Unknown ids are ignored.
func (s *Searcher) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[id]; ok {
		s.decrementDF(doc)
		delete(s.docs, id)
	}
}

// Len returns the number of indexed documents.
func (s *Searcher) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// SweepExpired evicts documents older than the configured max age and
// returns the number removed.
func (s *Searcher) SweepExpired(now time.Time) int {
	cutoff := now.Add(-s.cfg.MaxAge)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, doc := range s.docs {
		if doc.createdAt.Before(cutoff) {
			s.decrementDF(doc)
			delete(s.docs, id)
			removed++
		}
	}
	return removed
}

// Document is the reindex input: everything needed to rebuild one corpus
// entry.
type Document struct {
	ID        string
	Text      string
	Tags      []string
	CreatedAt time.Time
}

// Reindex rebuilds the whole corpus from scratch. It blocks writers for the
// duration and honors ctx between documents.
func (s *Searcher) Reindex(ctx context.Context, docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs = make(map[string]*document, len(docs))
	s.df = make(map[string]int)
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		terms := termCounts(Tokenize(d.Text))
		tagSet := make(map[string]struct{}, len(d.Tags))
		for _, tag := range d.Tags {
			if tag != "" {
				tagSet[tag] = struct{}{}
			}
		}
		createdAt := d.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		s.docs[d.ID] = &document{id: d.ID, terms: terms, tags: tagSet, createdAt: createdAt}
		for term := range terms {
			s.df[term]++
		}
	}
	for len(s.docs) > s.cfg.MaxCorpus {
		s.evictOldestLocked()
	}
	return nil
}

// Search returns up to k documents ranked by the blended similarity score.
// Zero-score documents are omitted. Ties break by descending creation time,
// then ascending id.
func (s *Searcher) Search(text string, tags []string, k int) []Match {
	if k <= 0 {
		return nil
	}
	queryTerms := termCounts(Tokenize(text))
	querySet := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		if tag != "" {
			querySet[tag] = struct{}{}
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.docs)
	if n == 0 {
		return nil
	}

	queryVec, queryNorm := s.vectorLocked(queryTerms, n)

	type scored struct {
		doc   *document
		score float64
	}
	var results []scored
	for _, doc := range s.docs {
		cos := s.cosineLocked(queryVec, queryNorm, doc, n)
		jac := jaccard(querySet, doc.tags)
		score := s.cfg.TextWeight*cos + s.cfg.TagWeight*jac
		if score <= 0 {
			continue
		}
		results = append(results, scored{doc: doc, score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		if !results[i].doc.createdAt.Equal(results[j].doc.createdAt) {
			return results[i].doc.createdAt.After(results[j].doc.createdAt)
		}
		return results[i].doc.id < results[j].doc.id
	})

	if len(results) > k {
		results = results[:k]
	}
	out := make([]Match, len(results))
	for i, r := range results {
		out[i] = Match{ID: r.doc.id, Score: r.score}
	}
	return out
}

// vectorLocked computes the TF-IDF vector and its norm for a term map. The
// document vector is computed lazily at query time so inserts never trigger
// reindexing.
func (s *Searcher) vectorLocked(terms map[string]int, n int) (map[string]float64, float64) {
	vec := make(map[string]float64, len(terms))
	var sumSquares float64
	for term, count := range terms {
		w := tf(count) * s.idfLocked(term, n)
		if w == 0 {
			continue
		}
		vec[term] = w
		sumSquares += w * w
	}
	return vec, math.Sqrt(sumSquares)
}

// cosineLocked computes cosine similarity restricted to common terms.
func (s *Searcher) cosineLocked(queryVec map[string]float64, queryNorm float64, doc *document, n int) float64 {
	if queryNorm == 0 || len(doc.terms) == 0 {
		return 0
	}
	var dot, docSumSquares float64
	for term, count := range doc.terms {
		w := tf(count) * s.idfLocked(term, n)
		docSumSquares += w * w
		if qw, ok := queryVec[term]; ok {
			dot += qw * w
		}
	}
	if dot == 0 || docSumSquares == 0 {
		return 0
	}
	return dot / (queryNorm * math.Sqrt(docSumSquares))
}

// tf is the sublinear term frequency: 1 + log(count), 0 for count = 0.
func tf(count int) float64 {
	if count <= 0 {
		return 0
	}
	return 1 + math.Log(float64(count))
}

// idfLocked is log(N / df); 0 when the term is unseen.
func (s *Searcher) idfLocked(term string, n int) float64 {
	df := s.df[term]
	if df == 0 || n == 0 {
		return 0
	}
	return math.Log(float64(n) / float64(df))
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for k := range small {
		if _, ok := large[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// decrementDF removes a document's terms from the document-frequency
// counters. Callers hold the write lock.
func (s *Searcher) decrementDF(doc *document) {
	for term := range doc.terms {
		if s.df[term] <= 1 {
			delete(s.df, term)
		} else {
			s.df[term]--
		}
	}
}

// evictOldestLocked drops the oldest document (ties by id for determinism).
func (s *Searcher) evictOldestLocked() {
	var oldest *document
	for _, doc := range s.docs {
		if oldest == nil ||
			doc.createdAt.Before(oldest.createdAt) ||
			(doc.createdAt.Equal(oldest.createdAt) && doc.id < oldest.id) {
			oldest = doc
		}
	}
	if oldest != nil {
		s.decrementDF(oldest)
		delete(s.docs, oldest.id)
	}
}
