package sentinel

var _ error = Error("")

// Error is a string-backed error that can be declared as a const.
// Error values are comparable, so the == fallback in errors.Is matches
// them through any chain of fmt.Errorf %w wrapping.
type Error string

// Error implements the error interface.
func (e Error) Error() string {
	return string(e)
}
