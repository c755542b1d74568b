// Package stream implements the client side of a chat turn: it decodes the event stream of
// POST /api/messages/:chatId, folds every event into a per-conversation State, and reconciles the
// transient state with the persisted chat once the turn ends. Several conversations may stream at once;
// each one owns its own State, cancellation token and goroutine.
package stream

const errLoggerKey = "error"
