package memtable

import "bytes"

// byteKeys implements skiplist.Comparable over []byte keys. The library
// ships comparables for strings and the numeric types but not for raw byte
// slices, so the memtable supplies its own rather than paying for a
// string(key) conversion on every insert.
type byteKeys struct{}

func (byteKeys) Compare(lhs, rhs interface{}) int {
	return bytes.Compare(lhs.([]byte), rhs.([]byte))
}

// CalcScore folds the first 8 bytes of a key into a float64. The skip list
// orders keys by score and calls Compare only when two scores are equal, so
// the score must never order two keys differently from Compare: a key
// shorter than 8 bytes is scored as if padded with zero bytes, which keeps
// a short key from scoring below a longer key that sorts before it.
func (byteKeys) CalcScore(key interface{}) float64 {
	b := key.([]byte)
	var score float64
	for i := 0; i < 8; i++ {
		score *= 256
		if i < len(b) {
			score += float64(b[i])
		}
	}
	return score
}

var keyComparable = byteKeys{}
