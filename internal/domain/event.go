package domain

// EventKind discriminates the variants of TestEvent
type EventKind int

const (
	EventRawLine EventKind = iota
	EventCollectionCount
	EventTestStarted
	EventTestFinished
	EventPercent
)

func (k EventKind) String() string {
	switch k {
	case EventCollectionCount:
		return "collection_count"
	case EventTestStarted:
		return "test_started"
	case EventTestFinished:
		return "test_finished"
	case EventPercent:
		return "percent"
	default:
		return "raw_line"
	}
}

// TestEvent is a classified line of test tool output
type TestEvent struct {
	Kind    EventKind
	TestID  string
	Outcome Outcome
	Reason  string
	Count   int
	Line    string
}

// CollectionCount reports how many tests the tool collected
func CollectionCount(n int) TestEvent {
	return TestEvent{Kind: EventCollectionCount, Count: n}
}

// TestStarted reports that a test began executing
func TestStarted(id string) TestEvent {
	return TestEvent{Kind: EventTestStarted, TestID: id}
}

// TestFinished reports the outcome of a test
func TestFinished(id string, outcome Outcome) TestEvent {
	return TestEvent{Kind: EventTestFinished, TestID: id, Outcome: outcome}
}

// RawLine wraps a line that carries no structural meaning
func RawLine(text string) TestEvent {
	return TestEvent{Kind: EventRawLine, Line: text}
}
