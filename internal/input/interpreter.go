// Package input executes remote input commands against the local UI: a
// rolling text composition buffer applied to the focused editable node, and
// tap/swipe gesture dispatch.
package input

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/logging"
)

const (
	// maxSearchDepth bounds the editable-node search so a pathological or
	// cyclic UI tree cannot blow the stack.
	maxSearchDepth = 256

	// tapDuration is the fixed minimal duration of a tap gesture.
	tapDuration = 50 * time.Millisecond
)

// Command is one remote input command frame, as received over the peer data
// channel.
type Command struct {
	Action     string  `json:"action"` // key, tap, swipe
	Key        string  `json:"key,omitempty"`
	X          float64 `json:"x,omitempty"`
	Y          float64 `json:"y,omitempty"`
	ToX        float64 `json:"toX,omitempty"`
	ToY        float64 `json:"toY,omitempty"`
	DurationMs int     `json:"durationMs,omitempty"`
}

// Interpreter holds the per-session composition state. All failures here are
// best-effort UI actions: logged, absorbed, never reported to the remote
// peer.
type Interpreter struct {
	acc Accessibility
	log logging.LeveledLogger

	mu   sync.Mutex
	buf  []rune
	last Node // last focused editable, a lookup key into the live tree
}

func NewInterpreter(acc Accessibility, lf logging.LoggerFactory) *Interpreter {
	return &Interpreter{acc: acc, log: lf.NewLogger("input")}
}

// Handle decodes and executes one raw command frame. Malformed frames are
// logged and dropped.
func (it *Interpreter) Handle(data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		it.log.Warnf("undecodable command: %v", err)
		return
	}
	switch cmd.Action {
	case "key":
		it.Key(cmd.Key)
	case "tap":
		it.Tap(cmd.X, cmd.Y)
	case "swipe":
		it.Swipe(Point{cmd.X, cmd.Y}, Point{cmd.ToX, cmd.ToY}, time.Duration(cmd.DurationMs)*time.Millisecond)
	default:
		it.log.Warnf("unknown command action %q, dropping", cmd.Action)
	}
}

// Key applies one character event. Backspace trims the buffer, Enter submits
// it with a trailing newline and clears it, anything else appends its first
// rune. Every non-Enter edit re-applies the full buffer to the target field.
func (it *Interpreter) Key(key string) {
	it.mu.Lock()
	defer it.mu.Unlock()

	switch key {
	case "Backspace":
		// On an empty buffer there is nothing to delete; pushing would
		// wipe whatever the field already holds.
		if len(it.buf) == 0 {
			return
		}
		it.buf = it.buf[:len(it.buf)-1]
		it.pushLocked()

	case "Enter":
		text := string(it.buf) + "\n"
		it.buf = it.buf[:0]
		target := it.targetLocked()
		if target == nil {
			it.log.Warnf("enter: no editable node, dropping %d chars", len(text))
			return
		}
		if err := it.acc.ReplaceText(target, text); err != nil {
			it.log.Warnf("enter: replace text: %v", err)
		}

	default:
		for _, r := range key {
			it.buf = append(it.buf, r)
			break
		}
		it.pushLocked()
	}
}

// Buffer returns the current composition buffer.
func (it *Interpreter) Buffer() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return string(it.buf)
}

// WindowChanged resets the composition on a foreground-app change; a
// composition never spans an app switch.
func (it *Interpreter) WindowChanged() {
	it.mu.Lock()
	it.buf = it.buf[:0]
	it.last = nil
	it.mu.Unlock()
}

// Tap dispatches a single-point gesture with the fixed minimal duration.
func (it *Interpreter) Tap(x, y float64) {
	it.dispatch([]Point{{x, y}}, tapDuration)
}

// Swipe dispatches a two-point gesture over the given duration.
func (it *Interpreter) Swipe(from, to Point, duration time.Duration) {
	it.dispatch([]Point{from, to}, duration)
}

func (it *Interpreter) dispatch(path []Point, duration time.Duration) {
	it.acc.DispatchGesture(path, duration, func(res GestureResult) {
		if res == GestureCancelled {
			it.log.Warnf("gesture cancelled")
		}
	})
}

// pushLocked replaces the target field's text with the full buffer and moves
// the cursor to the end. A missing editable target drops the event.
func (it *Interpreter) pushLocked() {
	target := it.targetLocked()
	if target == nil {
		it.log.Warnf("no editable node, dropping buffer of %d chars", len(it.buf))
		return
	}
	if err := it.acc.ReplaceText(target, string(it.buf)); err != nil {
		it.log.Warnf("replace text: %v", err)
		return
	}
	if err := it.acc.SetSelection(target, len(it.buf), len(it.buf)); err != nil {
		it.log.Warnf("set selection: %v", err)
	}
	it.last = target
}

// targetLocked resolves the field to edit: the last focused editable if it
// is still attached, otherwise the first editable found in the live tree.
func (it *Interpreter) targetLocked() Node {
	if it.last != nil && it.acc.Valid(it.last) && it.last.Editable() {
		return it.last
	}
	it.last = nil
	return findEditable(it.acc.Root())
}

// findEditable searches the tree depth-first with an explicit stack, a
// visited set and a depth bound. At each node, focused-and-editable children
// are tried before the rest in document order.
func findEditable(root Node) Node {
	if root == nil {
		return nil
	}
	type frame struct {
		n     Node
		depth int
	}
	stack := []frame{{root, 0}}
	visited := make(map[Node]bool)

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.n == nil || visited[f.n] || f.depth > maxSearchDepth {
			continue
		}
		visited[f.n] = true

		if f.n.Editable() {
			return f.n
		}

		children := f.n.Children()
		var preferred, rest []Node
		for _, c := range children {
			if c != nil && c.Focused() && c.Editable() {
				preferred = append(preferred, c)
			} else {
				rest = append(rest, c)
			}
		}
		// Pushed in reverse so preferred children pop first, each group
		// in document order.
		for i := len(rest) - 1; i >= 0; i-- {
			stack = append(stack, frame{rest[i], f.depth + 1})
		}
		for i := len(preferred) - 1; i >= 0; i-- {
			stack = append(stack, frame{preferred[i], f.depth + 1})
		}
	}
	return nil
}
