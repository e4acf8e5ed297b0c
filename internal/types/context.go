package types

import "fmt"

// Context identifies an execution context that can own records.
type Context string

const (
	Durable Context = "durable"
	Fast    Context = "fast"
)

// ParseContext accepts the lowercase context names used on the wire.
func ParseContext(s string) (Context, error) {
	switch Context(s) {
	case Durable, Fast:
		return Context(s), nil
	}
	return "", fmt.Errorf("unknown execution context %q", s)
}
