package kiln

type loadTracer struct {
	trace []TargetID
	m     map[TargetID]bool
}

func newLoadTracer() *loadTracer {
	return &loadTracer{
		m: make(map[TargetID]bool),
	}
}

// push returns false when id is already on the stack.
func (t *loadTracer) push(id TargetID) bool {
	if t.m[id] {
		return false
	}
	t.trace = append(t.trace, id)
	t.m[id] = true
	return true
}

func (t *loadTracer) pop() {
	n := len(t.trace)
	if n == 0 {
		return
	}
	last := t.trace[n-1]
	delete(t.m, last)
	t.trace = t.trace[:n-1]
}

// cycle returns the part of the stack that starts with id.
func (t *loadTracer) cycle(id TargetID) []TargetID {
	for i, x := range t.trace {
		if x == id {
			ret := append([]TargetID(nil), t.trace[i:]...)
			return append(ret, id)
		}
	}
	return nil
}
