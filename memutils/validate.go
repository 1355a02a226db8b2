package memutils

// Validatable is used by DebugValidate to act upon any type with a Validate method
type Validatable interface {
	Validate() error
}
