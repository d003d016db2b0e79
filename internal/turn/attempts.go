package turn

import "fmt"

// InputShape selects how conversation input is encoded for the responses
// protocol. The shapes are mutually exclusive and tried in a fixed order.
type InputShape int

const (
	// ShapeTypedBlocks: typed content-block lists; user turns as
	// input_text blocks, assistant history as output_text messages.
	ShapeTypedBlocks InputShape = iota

	// ShapeFlatText: every turn as a flat role + plain-string message.
	ShapeFlatText

	// ShapeOutputText: plain-string user turns, assistant history as
	// output_text messages.
	ShapeOutputText
)

func (s InputShape) String() string {
	switch s {
	case ShapeTypedBlocks:
		return "typed_blocks"
	case ShapeFlatText:
		return "flat_text"
	case ShapeOutputText:
		return "output_text"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

var shapeOrder = []InputShape{ShapeTypedBlocks, ShapeFlatText, ShapeOutputText}

// nextShape advances the ordered shape chain for a classified rejection.
// The chain is fixed, not nested: typed blocks fall back to flat text on an
// input-text signal, flat text falls back to output-typed text on an
// output-field signal, and anything else exhausts the chain.
func nextShape(current InputShape, reason IncompatReason) (InputShape, bool) {
	switch {
	case current == ShapeTypedBlocks && reason == IncompatInputText:
		return ShapeFlatText, true
	case current == ShapeFlatText && reason == IncompatOutputText:
		return ShapeOutputText, true
	default:
		return current, false
	}
}

// ErrAttemptsExhausted wraps the final error after every strategy in an
// ordered attempt chain failed.
type ErrAttemptsExhausted struct {
	LastReason IncompatReason
	Err        error
}

func (e *ErrAttemptsExhausted) Error() string {
	if e == nil || e.Err == nil {
		return "all protocol strategies exhausted"
	}
	return fmt.Sprintf("all protocol strategies exhausted: %v", e.Err)
}

func (e *ErrAttemptsExhausted) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
