package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

const defaultTopK = 5

// Passage is one retrievable chunk of the ingested document.
type Passage struct {
	Ref  string `json:"ref"`
	Text string `json:"text"`
}

// Index is a lexical retrieval index over one document: chunked passages
// scored by term overlap with the query. It is immutable after construction
// and safe for concurrent retrieval.
type Index struct {
	Document  string    `json:"document"`
	Passages  []Passage `json:"passages"`
	CreatedAt time.Time `json:"created_at"`

	once  sync.Once
	terms []map[string]int
}

// BuildIndex chunks the document text into passages. Chunks follow paragraph
// boundaries, splitting oversized paragraphs on sentence-ish boundaries.
func BuildIndex(document, text string) *Index {
	const maxChunk = 800

	var passages []Passage
	base := filepath.Base(document)
	n := 0
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for _, chunk := range splitChunk(para, maxChunk) {
			n++
			passages = append(passages, Passage{
				Ref:  fmt.Sprintf("%s#%d", base, n),
				Text: chunk,
			})
		}
	}
	return &Index{Document: document, Passages: passages, CreatedAt: time.Now()}
}

func splitChunk(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}
	var out []string
	var sb strings.Builder
	for _, sentence := range strings.SplitAfter(text, ". ") {
		if sb.Len() > 0 && sb.Len()+len(sentence) > max {
			out = append(out, strings.TrimSpace(sb.String()))
			sb.Reset()
		}
		sb.WriteString(sentence)
	}
	if s := strings.TrimSpace(sb.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// Retrieve returns the topK passages most lexically similar to the query, in
// descending score order. Passages with no term overlap are excluded; if
// nothing overlaps, the first topK passages are returned so the answer prompt
// always has grounding context.
func (ix *Index) Retrieve(query string, topK int) []Passage {
	if topK <= 0 {
		topK = defaultTopK
	}
	ix.once.Do(func() {
		ix.terms = make([]map[string]int, len(ix.Passages))
		for i, p := range ix.Passages {
			ix.terms[i] = termCounts(p.Text)
		}
	})

	qTerms := termCounts(query)
	type scored struct {
		idx   int
		score float64
	}
	var hits []scored
	for i := range ix.Passages {
		s := overlapScore(qTerms, ix.terms[i])
		if s > 0 {
			hits = append(hits, scored{idx: i, score: s})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })

	if len(hits) == 0 {
		if topK > len(ix.Passages) {
			topK = len(ix.Passages)
		}
		return append([]Passage(nil), ix.Passages[:topK]...)
	}
	if topK > len(hits) {
		topK = len(hits)
	}
	out := make([]Passage, 0, topK)
	for _, h := range hits[:topK] {
		out = append(out, ix.Passages[h.idx])
	}
	return out
}

func termCounts(text string) map[string]int {
	counts := make(map[string]int)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(tok) < 2 {
			continue
		}
		counts[tok]++
	}
	return counts
}

func overlapScore(query, passage map[string]int) float64 {
	if len(passage) == 0 {
		return 0
	}
	var overlap int
	for term := range query {
		if n, ok := passage[term]; ok {
			overlap += n
		}
	}
	return float64(overlap) / float64(len(passage))
}

// IndexStore persists built indexes so re-running against the same document
// skips re-parsing.
type IndexStore interface {
	Load(document string) (*Index, error)
	Save(ix *Index) error
}

// DiskIndexStore is an IndexStore writing one JSON file per document under a
// storage directory, keyed by the document path's digest.
type DiskIndexStore struct {
	dir string
}

// NewDiskIndexStore creates a store rooted at dir, creating it if needed.
func NewDiskIndexStore(dir string) (*DiskIndexStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating index storage dir %s: %w", dir, err)
	}
	return &DiskIndexStore{dir: dir}, nil
}

func (s *DiskIndexStore) path(document string) string {
	sum := sha256.Sum256([]byte(document))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:8])+".json")
}

// Load returns the persisted index for document, or nil if none exists.
func (s *DiskIndexStore) Load(document string) (*Index, error) {
	data, err := os.ReadFile(s.path(document))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading index for %s: %w", document, err)
	}
	var ix Index
	if err := json.Unmarshal(data, &ix); err != nil {
		return nil, fmt.Errorf("parsing index for %s: %w", document, err)
	}
	return &ix, nil
}

// Save persists the index, replacing any prior version for the same document.
func (s *DiskIndexStore) Save(ix *Index) error {
	data, err := json.MarshalIndent(ix, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding index for %s: %w", ix.Document, err)
	}
	if err := os.WriteFile(s.path(ix.Document), data, 0o644); err != nil {
		return fmt.Errorf("writing index for %s: %w", ix.Document, err)
	}
	return nil
}
