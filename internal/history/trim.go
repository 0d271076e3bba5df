package history

// DefaultLimit is the number of turns kept after the seed instruction.
const DefaultLimit = 20

// Trim bounds h to its first message plus the last limit messages after it, so the
// seed instruction is never evicted. Histories of length <= limit are returned as is.
// The input is never modified.
func Trim(h History, limit int) History {
	if limit < 0 {
		limit = 0
	}
	if len(h) <= limit {
		return h
	}
	out := make(History, 0, limit+1)
	out = append(out, h[0])
	return append(out, h[len(h)-limit:]...)
}
