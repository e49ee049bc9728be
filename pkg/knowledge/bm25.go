// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package knowledge

import (
	"math"
	"strings"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// bm25Index scores chunks against keyword queries using Okapi BM25.
// Built per search over one user's corpus; corpora are small enough
// that rebuilding beats maintaining an incremental index.
type bm25Index struct {
	docs    []map[string]int
	lengths []int
	avgLen  float64
	df      map[string]int
}

func newBM25Index(texts []string) *bm25Index {
	idx := &bm25Index{
		docs:    make([]map[string]int, len(texts)),
		lengths: make([]int, len(texts)),
		df:      make(map[string]int),
	}
	total := 0
	for i, text := range texts {
		tf := make(map[string]int)
		tokens := tokenize(text)
		for _, tok := range tokens {
			tf[tok]++
		}
		idx.docs[i] = tf
		idx.lengths[i] = len(tokens)
		total += len(tokens)
		for tok := range tf {
			idx.df[tok]++
		}
	}
	if len(texts) > 0 {
		idx.avgLen = float64(total) / float64(len(texts))
	}
	return idx
}

// Score returns the BM25 score of document i for the query.
func (idx *bm25Index) Score(i int, query string) float64 {
	if i < 0 || i >= len(idx.docs) || idx.avgLen == 0 {
		return 0
	}
	n := float64(len(idx.docs))
	docLen := float64(idx.lengths[i])

	var score float64
	for _, tok := range tokenize(query) {
		tf := float64(idx.docs[i][tok])
		if tf == 0 {
			continue
		}
		df := float64(idx.df[tok])
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		score += idf * (tf * (bm25K1 + 1)) /
			(tf + bm25K1*(1-bm25B+bm25B*docLen/idx.avgLen))
	}
	return score
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}
