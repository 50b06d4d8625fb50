package session

// DefaultMinChunkBytes is the smallest audio chunk forwarded to the client
// mid-turn.
const DefaultMinChunkBytes = 2048

// chunkAssembler coalesces backend audio fragments. A chunk is released as
// soon as the accumulated bytes reach min; Flush releases whatever remains at
// the end of a turn. It is owned by the backend pump and is not synchronized.
type chunkAssembler struct {
	min int
	buf []byte
}

func newChunkAssembler(min int) *chunkAssembler {
	if min <= 0 {
		min = DefaultMinChunkBytes
	}
	return &chunkAssembler{min: min}
}

// Push appends a fragment and returns a completed chunk, or nil.
func (a *chunkAssembler) Push(fragment []byte) []byte {
	if len(fragment) == 0 {
		return nil
	}
	a.buf = append(a.buf, fragment...)
	if len(a.buf) < a.min {
		return nil
	}
	out := a.buf
	a.buf = nil
	return out
}

// Flush returns the remainder of the turn, or nil when nothing is pending.
func (a *chunkAssembler) Flush() []byte {
	if len(a.buf) == 0 {
		return nil
	}
	out := a.buf
	a.buf = nil
	return out
}

func (a *chunkAssembler) Pending() int {
	return len(a.buf)
}
