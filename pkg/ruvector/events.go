package ruvector

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the narrow host collaborator interface. The default
// implementation wraps zerolog for structured, leveled output.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
}

// zerologLogger is the default Logger, used when the host does not
// inject its own sink.
type zerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger builds the default structured logger.
func NewZerologLogger() Logger {
	return &zerologLogger{logger: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

func applyFields(e *zerolog.Event, fields map[string]interface{}) *zerolog.Event {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}

func (l *zerologLogger) Debug(msg string, fields map[string]interface{}) {
	applyFields(l.logger.Debug(), fields).Msg(msg)
}

func (l *zerologLogger) Info(msg string, fields map[string]interface{}) {
	applyFields(l.logger.Info(), fields).Msg(msg)
}

func (l *zerologLogger) Warn(msg string, fields map[string]interface{}) {
	applyFields(l.logger.Warn(), fields).Msg(msg)
}

func (l *zerologLogger) Error(msg string, err error, fields map[string]interface{}) {
	applyFields(l.logger.Error().Err(err), fields).Msg(msg)
}

// Event is a single lifecycle notification forwarded to the host event
// bus, always surfaced with the "ruvector:" prefix.
type Event struct {
	Name    string
	Payload map[string]interface{}
}

// EventBus is the narrow publish interface the host provides.
type EventBus interface {
	Emit(event Event)
}

// noopEventBus discards every event; used when the host doesn't wire one.
type noopEventBus struct{}

func (noopEventBus) Emit(Event) {}

// NewNoopEventBus returns an EventBus that discards all events.
func NewNoopEventBus() EventBus { return noopEventBus{} }

// Event name taxonomy, always emitted with
// the "ruvector:" prefix by emit().
const (
	EventConnectionOpen           = "connection:open"
	EventConnectionClose          = "connection:close"
	EventConnectionError          = "connection:error"
	EventConnectionPoolAcquired   = "connection:pool_acquired"
	EventConnectionPoolReleased   = "connection:pool_released"
	EventQueryStart               = "query:start"
	EventQueryComplete            = "query:complete"
	EventQueryError               = "query:error"
	EventQuerySlow                = "query:slow"
	EventSearchComplete            = "search:complete"
	EventVectorBatchComplete       = "vector:batch_complete"
	EventVectorUpdated             = "vector:updated"
	EventIndexCreated               = "index:created"
	EventIndexDropped               = "index:dropped"
	EventIndexRebuilt                = "index:rebuilt"
	EventStreamAbort                 = "abort"
	EventTxBegin                     = "begin"
	EventTxSavepoint                 = "savepoint"
	EventTxRollbackToSavepoint       = "rollback_to_savepoint"
	EventTxReleaseSavepoint          = "release_savepoint"
	EventTxCommit                    = "commit"
	EventTxRollback                  = "rollback"
)

const eventPrefix = "ruvector:"

// emit forwards a prefixed name+payload to the host event bus.
func emit(bus EventBus, name string, payload map[string]interface{}) {
	bus.Emit(Event{Name: eventPrefix + name, Payload: payload})
}
