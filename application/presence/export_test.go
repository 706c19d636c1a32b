package presence

// HandleState exposes handleState to the external test package, which cannot
// live in package presence because the in-memory hub it tests against imports
// this package.
func (b *Broadcaster) HandleState(c Collaborator) { b.handleState(c) }
