package inference

import (
	"math/rand/v2"
)

// Special token ids of the standard BERT vocabularies.
const (
	ClsID = 101
	SepID = 102
)

// GenerateExamples builds n pseudo-documents for soak tests and benchmarks.
// Every sentence is [CLS] words... [SEP], segments alternate per sentence and
// Clss points at each [CLS]. Documents never exceed maxLen tokens.
func GenerateExamples(n, vocabSize, maxLen int, seed uint64) []Example {
	r := rand.New(rand.NewPCG(seed, seed^0x5bd1e995))
	cls, sep, firstWord := ClsID, SepID, SepID+1
	if vocabSize <= firstWord {
		// Tiny test vocabularies: 1 and 2 stand in for [CLS] and [SEP].
		cls, sep, firstWord = 1, 2, 3
	}

	result := make([]Example, n)
	for i := range result {
		var ex Example
		sentences := 1 + r.IntN(4)
		for s := 0; s < sentences; s++ {
			words := 3 + r.IntN(8)
			if len(ex.IDs)+words+2 > maxLen {
				break
			}
			ex.Clss = append(ex.Clss, len(ex.IDs))
			ex.IDs = append(ex.IDs, cls)
			for k := 0; k < words; k++ {
				ex.IDs = append(ex.IDs, firstWord+r.IntN(vocabSize-firstWord))
			}
			ex.IDs = append(ex.IDs, sep)
			for len(ex.Segments) < len(ex.IDs) {
				ex.Segments = append(ex.Segments, s%2)
			}
		}
		if len(ex.IDs) == 0 {
			ex = Example{IDs: []int{cls}, Segments: []int{0}, Clss: []int{0}}
		}
		result[i] = ex
	}
	return result
}
