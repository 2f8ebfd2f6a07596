// Package message defines the room message model consumed by the delivery
// pipeline.
package message
