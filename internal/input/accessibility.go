package input

import "time"

// Point is a screen coordinate for gesture paths.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// GestureResult reports the asynchronous outcome of a dispatched gesture.
type GestureResult int

const (
	GestureCompleted GestureResult = iota
	GestureCancelled
)

// Node is one element of the platform accessibility tree. Implementations
// must be comparable; the tree search tracks visited nodes by value.
type Node interface {
	Editable() bool
	Focused() bool
	Children() []Node
}

// Accessibility is the capability surface of the platform accessibility
// service. It is injected at construction; the interpreter never reaches for
// process-wide state.
type Accessibility interface {
	// Root returns the root of the current UI tree, or nil if none.
	Root() Node

	// Valid reports whether a previously seen node is still attached to
	// the live tree.
	Valid(n Node) bool

	ReplaceText(n Node, text string) error
	SetSelection(n Node, start, end int) error

	// DispatchGesture performs the gesture asynchronously and reports the
	// outcome through done.
	DispatchGesture(path []Point, duration time.Duration, done func(GestureResult))
}
