package discovery

import (
	"github.com/blevesearch/bleve/v2"

	"github.com/jonwraymond/toolbroker/index"
)

// lexicalDoc is the shape indexed into bleve for each operation.
type lexicalDoc struct {
	Description string `json:"description"`
}

// lexicalIndex is a memory-only bleve index over operation
// descriptions, rebuilt whenever the engine installs a new snapshot.
// It supplies the keyword half of hybrid scoring.
type lexicalIndex struct {
	idx bleve.Index
}

func newLexicalIndex(entries []index.Entry) (*lexicalIndex, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}

	batch := idx.NewBatch()
	for _, e := range entries {
		if err := batch.Index(e.OperationID, lexicalDoc{Description: e.Description}); err != nil {
			idx.Close()
			return nil, err
		}
	}
	if err := idx.Batch(batch); err != nil {
		idx.Close()
		return nil, err
	}

	return &lexicalIndex{idx: idx}, nil
}

// scores returns match scores by operation id, normalized to [0, 1] by
// the best hit so they are commensurable with cosine similarities.
func (l *lexicalIndex) scores(query string, max int) (map[string]float64, error) {
	if max <= 0 {
		return map[string]float64{}, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), max, 0, false)
	res, err := l.idx.Search(req)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(res.Hits))
	if res.MaxScore <= 0 {
		return out, nil
	}
	for _, hit := range res.Hits {
		out[hit.ID] = hit.Score / res.MaxScore
	}
	return out, nil
}

func (l *lexicalIndex) close() {
	if l != nil && l.idx != nil {
		l.idx.Close()
	}
}
