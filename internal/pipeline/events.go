package pipeline

import "github.com/sells-group/opportunity-radar/internal/model"

// EventType tags a progress event on the run stream.
type EventType string

const (
	EventStart      EventType = "start"
	EventBatchStart EventType = "batch_start"
	EventBatchDone  EventType = "batch_done"
	EventProgress   EventType = "progress"
	EventItemDone   EventType = "item_done"
	EventFatalError EventType = "fatal_error"
	EventDone       EventType = "done"
)

// Event is one ordered progress record on a run stream. The stream always
// terminates with a Done event, after which the channel is closed.
type Event interface {
	Kind() EventType
}

// TokenCount is an input/output token pair as reported by the provider.
type TokenCount struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// StartEvent opens every run stream.
type StartEvent struct {
	Total              int `json:"total"`
	EstimatedCostCents int `json:"estimatedCostCents,omitempty"`
}

func (StartEvent) Kind() EventType { return EventStart }

// BatchStartEvent announces one extraction batch.
type BatchStartEvent struct {
	BatchIndex int `json:"batchIndex"`
	BatchSize  int `json:"batchSize"`
}

func (BatchStartEvent) Kind() EventType { return EventBatchStart }

// ItemOutcome is the per-listing result inside a batch_done event.
type ItemOutcome struct {
	ID     int64             `json:"id"`
	Title  string            `json:"title"`
	Status string            `json:"status"`
	Result *model.Extraction `json:"extraction,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// BatchDoneEvent reports a completed extraction batch with per-item outcomes.
type BatchDoneEvent struct {
	BatchIndex     int           `json:"batchIndex"`
	Items          []ItemOutcome `json:"items"`
	Tokens         TokenCount    `json:"tokens"`
	CostSoFarCents int           `json:"costSoFarCents"`
}

func (BatchDoneEvent) Kind() EventType { return EventBatchDone }

// ProgressEvent is emitted before a clustering decision for one listing.
type ProgressEvent struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Title   string `json:"title"`
	Step    string `json:"step"`
}

func (ProgressEvent) Kind() EventType { return EventProgress }

// ItemDoneEvent reports one finished clustering decision.
type ItemDoneEvent struct {
	Current   int    `json:"current"`
	Total     int    `json:"total"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Cluster   string `json:"cluster,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
}

func (ItemDoneEvent) Kind() EventType { return EventItemDone }

// FatalErrorEvent is sent once when a run is stopped by an auth or rate-limit
// failure. It is always followed by a Done event.
type FatalErrorEvent struct {
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
}

func (FatalErrorEvent) Kind() EventType { return EventFatalError }

// DoneEvent is the terminal sentinel on every run stream.
type DoneEvent struct {
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Tokens    TokenCount `json:"tokens"`
	CostCents int        `json:"costCents"`
	RunID     string     `json:"runId,omitempty"`
	Aborted   bool       `json:"aborted,omitempty"`
	Message   string     `json:"message,omitempty"`
}

func (DoneEvent) Kind() EventType { return EventDone }

// eventBuffer is the channel capacity for run streams. Sends block when the
// consumer falls this far behind, which keeps event order intact without
// unbounded memory growth.
const eventBuffer = 64

// emitter delivers events in order on a bounded channel.
type emitter struct {
	ch chan Event
}

func newEmitter() *emitter {
	return &emitter{ch: make(chan Event, eventBuffer)}
}

func (e *emitter) send(ev Event) {
	e.ch <- ev
}

// finish sends the terminal event and closes the stream.
func (e *emitter) finish(done DoneEvent) {
	e.ch <- done
	close(e.ch)
}
