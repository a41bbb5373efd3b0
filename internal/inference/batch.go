package inference

// batch is a padded, row-major view of several examples.
//
// Token ids are padded with 0 and the token mask is 1 exactly where the id is
// not the pad id. Sentence positions are padded with -1, which gathers token 0
// and is masked out.
type batch struct {
	size   int
	seq    int
	sents  int
	tokens int

	ids  []int
	segs []int
	mask []float32

	clss     []int
	maskCls  []float32
	numSents []int
}

func newBatch(examples []Example) *batch {
	b := &batch{size: len(examples), numSents: make([]int, len(examples))}
	for i, ex := range examples {
		b.seq = max(b.seq, len(ex.IDs))
		b.numSents[i] = max(len(ex.Clss), 1)
		b.sents = max(b.sents, b.numSents[i])
		b.tokens += len(ex.IDs)
	}

	b.ids = make([]int, b.size*b.seq)
	b.segs = make([]int, b.size*b.seq)
	b.mask = make([]float32, b.size*b.seq)
	b.clss = make([]int, b.size*b.sents)
	b.maskCls = make([]float32, b.size*b.sents)

	for i, ex := range examples {
		row := i * b.seq
		copy(b.ids[row:], ex.IDs)
		copy(b.segs[row:], ex.Segments)
		for t := 0; t < b.seq; t++ {
			if b.ids[row+t] != padID {
				b.mask[row+t] = 1
			}
		}

		clss := ex.Clss
		if len(clss) == 0 {
			clss = []int{0}
		}
		for s := 0; s < b.sents; s++ {
			idx := i*b.sents + s
			if s < len(clss) {
				b.clss[idx] = clss[s]
				b.maskCls[idx] = 1
			} else {
				b.clss[idx] = padCls
			}
		}
	}
	return b
}

// gatherRows maps every sentence slot to its token row in the encoder output.
func (b *batch) gatherRows() []int {
	rows := make([]int, len(b.clss))
	for i, c := range b.clss {
		if c == padCls {
			c = 0
		}
		rows[i] = (i/b.sents)*b.seq + c
	}
	return rows
}
