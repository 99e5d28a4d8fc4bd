package memutils

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}

// ValidateFunc adapts a bare validation function to the Validatable interface. Allocators use it to
// run their unlocked internal consistency checks through DebugValidate from within a critical section.
type ValidateFunc func() error

func (f ValidateFunc) Validate() error {
	return f()
}
