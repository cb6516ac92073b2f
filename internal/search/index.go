package search

import (
	"cmp"
	"context"
	"fmt"
	"runtime"
	"slices"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/sirupsen/logrus"
)

const DefaultLimit = 10

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingFunc adapts a batch Embedder to chromem's single-text signature.
func EmbeddingFunc(e Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		vectors, err := e.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vectors) == 0 {
			return nil, fmt.Errorf("пустой эмбеддинг для текста")
		}
		return vectors[0], nil
	}
}

// Candidate is one searchable record. Content is what gets embedded; Fields
// feed the keyword score.
type Candidate struct {
	ID      string
	Content string
	Fields  [][]string
}

type Hit struct {
	ID         string
	Score      int
	Similarity float32
}

// Index keeps one chromem collection per scope. Candidates missing from a
// scope's collection are embedded on the search that first sees them.
type Index struct {
	db        *chromem.DB
	embed     chromem.EmbeddingFunc
	threshold float32

	mu     sync.Mutex
	seq    uint64
	scopes map[string]*scopeIndex
}

// scopeIndex serializes embedding for one scope so a cold build never holds
// Index.mu.
type scopeIndex struct {
	mu       sync.Mutex
	col      *chromem.Collection
	contents map[string]string
}

// NewIndex returns a keyword-only index when embedder is nil.
func NewIndex(embedder Embedder, threshold float64) *Index {
	idx := &Index{
		db:        chromem.NewDB(),
		threshold: float32(threshold),
		scopes:    make(map[string]*scopeIndex),
	}
	if embedder != nil {
		idx.embed = EmbeddingFunc(embedder)
	}
	return idx
}

func (i *Index) Semantic() bool {
	return i.embed != nil
}

// Search ranks candidates for query: keyword score with synonym expansion plus
// semantic similarity. Only hits with a keyword match or a similarity above the
// threshold are returned, sorted by similarity then score.
func (i *Index) Search(ctx context.Context, scope, query string, candidates []Candidate) ([]Hit, error) {
	sims, err := i.similarities(ctx, scope, query, candidates)
	if err != nil {
		return nil, err
	}
	return Rank(query, candidates, sims, i.threshold, DefaultLimit), nil
}

func Rank(query string, candidates []Candidate, sims map[string]float32, threshold float32, limit int) []Hit {
	terms := ExpandWithSynonyms(Normalize(query))

	var hits []Hit
	for _, c := range candidates {
		h := Hit{ID: c.ID, Score: KeywordScore(terms, c.Fields...), Similarity: sims[c.ID]}
		if h.Score > 0 || h.Similarity > threshold {
			hits = append(hits, h)
		}
	}

	slices.SortStableFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		return cmp.Compare(b.Score, a.Score)
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func (i *Index) similarities(ctx context.Context, scope, query string, candidates []Candidate) (map[string]float32, error) {
	if i.embed == nil || len(Normalize(query)) == 0 {
		return nil, nil
	}

	col, err := i.collection(ctx, scope, candidates)
	if err != nil {
		return nil, err
	}
	n := col.Count()
	if n == 0 {
		return nil, nil
	}

	results, err := col.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка семантического поиска в %s: %w", scope, err)
	}

	sims := make(map[string]float32, len(results))
	for _, r := range results {
		sims[r.ID] = r.Similarity
	}
	return sims, nil
}

func (i *Index) scope(scope string) (*scopeIndex, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if si, ok := i.scopes[scope]; ok {
		return si, nil
	}

	i.seq++
	col, err := i.db.CreateCollection(fmt.Sprintf("%s#%d", scope, i.seq), nil, i.embed)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания коллекции %s: %w", scope, err)
	}
	si := &scopeIndex{col: col, contents: make(map[string]string)}
	i.scopes[scope] = si
	return si, nil
}

func (i *Index) collection(ctx context.Context, scope string, candidates []Candidate) (*chromem.Collection, error) {
	si, err := i.scope(scope)
	if err != nil {
		return nil, err
	}

	si.mu.Lock()
	defer si.mu.Unlock()

	var docs []chromem.Document
	for _, c := range candidates {
		if c.Content == "" || si.contents[c.ID] == c.Content {
			continue
		}
		docs = append(docs, chromem.Document{ID: c.ID, Content: c.Content})
	}
	if len(docs) == 0 {
		return si.col, nil
	}

	if err := si.col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("ошибка индексации %s: %w", scope, err)
	}
	for _, d := range docs {
		si.contents[d.ID] = d.Content
	}
	logrus.Debugf("Индекс %s дополнен: %d документов", scope, len(docs))
	return si.col, nil
}

// Invalidate drops a scope so the next search rebuilds it.
func (i *Index) Invalidate(scope string) {
	i.mu.Lock()
	si, ok := i.scopes[scope]
	delete(i.scopes, scope)
	i.mu.Unlock()

	if !ok {
		return
	}
	if err := i.db.DeleteCollection(si.col.Name); err != nil {
		logrus.Warnf("Не удалось удалить коллекцию %s: %v", scope, err)
	}
}
