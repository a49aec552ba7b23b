// Package phase defines the sterilization phase identifiers, their fixed
// workflow order, and per-phase timing behavior shared by the timer
// registry and the cycle manager.
package phase

// Phase identifiers in workflow order.
const (
	Bath1     = "bath1"
	Bath2     = "bath2"
	Drying    = "drying"
	Autoclave = "autoclave"
)

// Tool placement values outside the phase sequence.
const (
	ToolPhaseNone     = "none"
	ToolPhaseComplete = "complete"
	ToolPhaseFailed   = "failed"
	ToolPhaseProblem  = "problem"
)

// Order is the fixed linear progression tools move through.
var Order = []string{Bath1, Bath2, Drying, Autoclave}

// displayNames maps phase ids to operator-facing names.
var displayNames = map[string]string{
	Bath1:     "Enzymatic Bath 1",
	Bath2:     "Enzymatic Bath 2",
	Drying:    "Air Dry",
	Autoclave: "Autoclave",
}

// DisplayName returns the operator-facing name for a phase id, or the id
// itself for unknown phases.
func DisplayName(id string) string {
	if name, ok := displayNames[id]; ok {
		return name
	}

	return id
}

// Known reports whether id is one of the workflow phases.
func Known(id string) bool {
	for _, p := range Order {
		if p == id {
			return true
		}
	}

	return false
}

// Next returns the phase following id in the workflow order. ok is false
// when id is the terminal phase or not a workflow phase at all.
func Next(id string) (next string, ok bool) {
	for i, p := range Order {
		if p == id {
			if i+1 < len(Order) {
				return Order[i+1], true
			}

			return "", false
		}
	}

	return "", false
}

// IsBath reports whether id is a chemical bath phase. Only bath phases
// are subject to over-exposure detection.
func IsBath(id string) bool {
	return id == Bath1 || id == Bath2
}

// CountsUp reports whether the phase timer counts up open-ended instead
// of counting down from a nominal duration.
func CountsUp(id string) bool {
	return id == Drying
}
