// Package transport defines the chat-transport boundary of the pipeline:
// channel ids, composed notifications, attachment handles, structured
// transport errors and a scheme router over concrete adapters.
package transport
