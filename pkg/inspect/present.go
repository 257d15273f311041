package inspect

// The presentation consumer is out of scope here; the inspector only hands
// it the current forest and accepts resume/detach requests back. Drawing is
// modeled as a pass that either completes or reports a detected interaction,
// in which case the loop applies the event and redraws from scratch.

// EventKind classifies a user interaction detected during a draw pass.
type EventKind int

const (
	// EventSelect focuses one pool or task.
	EventSelect EventKind = iota
	// EventScroll scrolls the view by Delta lines.
	EventScroll
	// EventBack leaves the current focus.
	EventBack
)

// Event is one user interaction the consumer wants applied before the next
// draw pass.
type Event struct {
	Kind  EventKind
	Index int
	Delta int
}

// DrawOutcome is the tagged result of one draw pass: either the pass ran to
// completion, or an interaction interrupted it.
type DrawOutcome struct {
	event *Event
}

// Continue is the outcome of a draw pass that completed.
func Continue() DrawOutcome { return DrawOutcome{} }

// InteractionDetected aborts the current draw so the event can be applied
// and the pass restarted.
func InteractionDetected(ev Event) DrawOutcome { return DrawOutcome{event: &ev} }

// Interaction returns the detected event, if any.
func (o DrawOutcome) Interaction() (Event, bool) {
	if o.event == nil {
		return Event{}, false
	}
	return *o.event, true
}

// DrawFunc renders the forest once. Returning InteractionDetected aborts
// the pass; the loop applies the event and calls the function again.
type DrawFunc func(*Forest) DrawOutcome

// ApplyFunc folds one interaction into the consumer's own view state.
type ApplyFunc func(Event)

// Present runs draw passes until one completes, applying each detected
// interaction in between. The forest itself never changes during the loop.
func (i *Inspector) Present(draw DrawFunc, apply ApplyFunc) {
	for {
		outcome := draw(i.forest)
		ev, ok := outcome.Interaction()
		if !ok {
			return
		}
		if apply != nil {
			apply(ev)
		}
	}
}
