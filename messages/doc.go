// Package messages contains every payload exchanged between hub and nodes.
//
// This is the single source of truth for wire payloads. Every target/field
// pair the core speaks has its payload defined here; the envelope itself
// lives in runtime.Message.
//
// # Structure
//
//   - session.go: identity handshake
//   - sync.go: diff request/response and incremental pushes
//
// # Adding New Messages
//
// When adding a new message type:
//
//  1. Add the payload struct with godoc comments:
//     - What the message does
//     - Flow: who sends to whom
//     - Response: what comes back (if any)
//
//  2. Add a Validate() method for payload validation
//
//  3. Use IDs as primary identifiers, names for display only
//
// # Example
//
//	// ExamplePayload demonstrates the pattern.
//	//
//	// Target: example/request (SET)
//	// Flow: Node → Hub
//	// Response: ExampleResponse
//	type ExamplePayload struct { ... }
package messages
