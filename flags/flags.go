// Package flags holds the shared pieces of the launchers' command-line
// handling.
package flags

import "fmt"

// FlagError reports command-line misuse: an unknown flag, a missing value,
// or a bad operand count.
type FlagError struct {
	Name    string
	Message string
}

func (e *FlagError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("flag %s: %s", e.Name, e.Message)
}

// Errorf builds a FlagError for name.
func Errorf(name, format string, args ...any) *FlagError {
	return &FlagError{Name: name, Message: fmt.Sprintf(format, args...)}
}
