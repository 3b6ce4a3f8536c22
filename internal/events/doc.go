// Package events carries session notifications out of the coordinator.
//
// Every session produces state changes, throttled progress and one terminal
// event (completed, cancelled or failed). Sinks deliver them: LogSink writes
// them to a slog logger, NATSSink publishes JSON to
// "<prefix>.<session>.<type>", and Multi fans out to several sinks.
package events
