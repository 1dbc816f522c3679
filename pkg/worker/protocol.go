// Package worker implements the out-of-process embedding worker: a
// long-lived process that owns the embedding provider and serves
// generation requests over a unix domain socket, one JSON message per
// line.
package worker

import "fmt"

// Request is one embedding request line.
type Request struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Response is one reply line. Exactly one of Embedding or Error is
// populated.
type Response struct {
	ID        string    `json:"id"`
	Embedding []float32 `json:"embedding,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ProtocolError reports a malformed request line. It is answered
// in-band; it never closes the connection.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s", e.Msg)
}
