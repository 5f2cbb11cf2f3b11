// Package backend defines the delivery backend capability consumed by the
// orchestrator, the request/result shapes passed across it, and the error
// taxonomy backends report.
//
// Concrete backends live in subpackages (simulated, telegram, nsqrelay).
package backend

import (
	"context"
	"time"
)

// Request is one outbound message. It is immutable once submitted.
type Request struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	ID      string `json:"id,omitempty"`
}

// SendResult is what a backend reports on successful acceptance.
type SendResult struct {
	MessageID string `json:"messageId"`
}

// Backend is a pluggable delivery implementation.
//
// Send must always return; implementations honour ctx cancellation and
// perform their own input validation.
type Backend interface {
	Name() string
	Send(ctx context.Context, req Request) (SendResult, error)
	Status() Status
}

// Status is an observability snapshot. The orchestrator never reads it to
// make decisions.
type Status struct {
	Name        string        `json:"name"`
	Kind        string        `json:"kind"`
	Healthy     bool          `json:"healthy"`
	FailureRate float64       `json:"failureRate"`
	MinLatency  time.Duration `json:"minLatency"`
	MaxLatency  time.Duration `json:"maxLatency"`
	Sent        uint64        `json:"sent"`
	Failed      uint64        `json:"failed"`
	LastError   string        `json:"lastError,omitempty"`
	LastErrorAt time.Time     `json:"lastErrorAt,omitempty"`
}
