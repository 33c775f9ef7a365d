package pairing

import "io"

// SetRandom swaps the code source for deterministic tests.
func (e *Engine) SetRandom(r io.Reader) { e.random = r }
