package boundary

// Scope tracks the chain of boundaries active during the current render
// pass, outermost first. Rendering is a single logical thread of control, so
// Scope is deliberately not synchronized; share one Scope per render tree.
type Scope struct {
	frames []string
}

// NewScope creates an empty ancestor-chain tracker.
func NewScope() *Scope {
	return &Scope{}
}

func (s *Scope) push(id string) {
	s.frames = append(s.frames, id)
}

func (s *Scope) pop() {
	if len(s.frames) > 0 {
		s.frames = s.frames[:len(s.frames)-1]
	}
}

// Snapshot returns a copy of the active chain, outermost first.
func (s *Scope) Snapshot() []string {
	if len(s.frames) == 0 {
		return nil
	}
	return append([]string(nil), s.frames...)
}

// Depth returns how many boundaries are currently rendering.
func (s *Scope) Depth() int {
	return len(s.frames)
}
