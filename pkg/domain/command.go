package domain

// Command represents an intention to change the state of exactly one aggregate.
type Command interface {
	// ID returns the unique identifier for this command.
	// Must be provided by the client for idempotency.
	ID() string

	// AggregateID returns the ID of the aggregate this command targets.
	AggregateID() string

	// CommandType returns the type name used for handler lookup.
	CommandType() string
}

// BaseCommand carries the identifiers every command needs.
// Embed it and implement CommandType on the concrete command.
type BaseCommand struct {
	CommandID       string `json:"command_id"`
	AggregateRootID string `json:"aggregate_id"`
}

// ID returns the command ID.
func (c BaseCommand) ID() string { return c.CommandID }

// AggregateID returns the target aggregate ID.
func (c BaseCommand) AggregateID() string { return c.AggregateRootID }

// CommandStatus is the terminal state of a processed command.
type CommandStatus int

const (
	CommandStatusUndefined CommandStatus = iota
	CommandStatusSuccess
	CommandStatusNothingChanged
	CommandStatusFailed
)

func (s CommandStatus) String() string {
	switch s {
	case CommandStatusSuccess:
		return "Success"
	case CommandStatusNothingChanged:
		return "NothingChanged"
	case CommandStatusFailed:
		return "Failed"
	default:
		return "Undefined"
	}
}

// CommandResult is delivered exactly once to whoever submitted the command.
type CommandResult struct {
	Status      CommandStatus `json:"status"`
	CommandID   string        `json:"command_id"`
	AggregateID string        `json:"aggregate_id"`
	Result      string        `json:"result,omitempty"`
	ResultType  string        `json:"result_type,omitempty"`
}

// NewCommandResult creates a command result.
func NewCommandResult(status CommandStatus, commandID, aggregateID, result, resultType string) *CommandResult {
	return &CommandResult{
		Status:      status,
		CommandID:   commandID,
		AggregateID: aggregateID,
		Result:      result,
		ResultType:  resultType,
	}
}

// Succeeded reports whether the command was applied or had nothing to change.
func (r *CommandResult) Succeeded() bool {
	return r.Status == CommandStatusSuccess || r.Status == CommandStatusNothingChanged
}

// HandledCommand is the command store record of a command processed by an
// asynchronous handler. It is written once and never mutated.
type HandledCommand struct {
	CommandID   string              `json:"command_id"`
	AggregateID string              `json:"aggregate_id"`
	Message     *ApplicationMessage `json:"message,omitempty"`
}

// ItemCommandResult is the stream item that carries the handler's result.
const ItemCommandResult = "CommandResult"

// ResultTypeString is the result type of plain handler results.
const ResultTypeString = "string"
