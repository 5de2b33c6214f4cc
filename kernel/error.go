package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// pointers to Error and compared by identity. The memory management code runs
// before the Go allocator is available so errors.New and fmt.Errorf cannot be
// used.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
