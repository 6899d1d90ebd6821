// Package gateway implements the herald wire protocol: a frame-based
// protocol over WebSocket through which authenticated clients subscribe
// to topics, receive job events and reconcile job status after a
// reconnect.
//
// The first frame of every connection must be an auth request. After it
// succeeds the connection may send subscribe, unsubscribe, job.status,
// job.cancel and ping requests; events arrive as event frames tagged
// with their topic.
package gateway

import (
	"encoding/json"
	"time"

	"github.com/xraph/herald/id"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Frame is the protocol envelope. Every message exchanged over a
// gateway connection is a Frame.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Method names the operation for request frames (e.g. "job.status").
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Token carries credentials, only on the auth frame.
	Token string `json:"token,omitempty" msgpack:"token,omitempty"`

	// Topic is the topic an event frame was published on.
	Topic string `json:"topic,omitempty" msgpack:"topic,omitempty"`

	// Data is the method- or event-specific payload.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	// Error is set on error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Timestamp is when the frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// Method names.
const (
	MethodAuth        = "auth"
	MethodPing        = "ping"
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
	MethodJobStatus   = "job.status"
	MethodJobCancel   = "job.cancel"
)

// ── Well-known error codes ──────────────────────────

const (
	ErrCodeBadRequest     = 400
	ErrCodeUnauthorized   = 401
	ErrCodeForbidden      = 403
	ErrCodeNotFound       = 404
	ErrCodeMethodNotFound = 405
	ErrCodeInternal       = 500
)

// ── Request/Response payloads ───────────────────────

// AuthRequest is sent by clients to authenticate.
type AuthRequest struct {
	Token  string `json:"token"`
	Format string `json:"format,omitempty"` // "json" (default) or "msgpack"
}

// AuthResponse is returned after successful authentication.
type AuthResponse struct {
	Format    string `json:"format"`
	SessionID string `json:"session_id"`
	Subject   string `json:"subject"`
}

// SubscribeRequest joins a topic.
type SubscribeRequest struct {
	Topic string `json:"topic"`
}

// UnsubscribeRequest leaves a topic.
type UnsubscribeRequest struct {
	Topic string `json:"topic"`
}

// TopicResponse acknowledges a subscribe or unsubscribe.
type TopicResponse struct {
	Topic  string `json:"topic"`
	Status string `json:"status"`
}

// JobStatusRequest asks for the current status of a job.
type JobStatusRequest struct {
	JobID string `json:"job_id"`
}

// JobCancelRequest asks for a job to be cancelled.
type JobCancelRequest struct {
	JobID string `json:"job_id"`
}

// JobCancelResponse acknowledges a cancellation request.
type JobCancelResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

// NewRequestFrame creates a new request frame.
func NewRequestFrame(method string, data any) (*Frame, error) {
	f := &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameRequest,
		Method:    method,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}
	return f, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:       GenerateFrameID(),
		Type:     FrameErr,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewEventFrame wraps data as an event on topic.
func NewEventFrame(topic string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameEvent,
		Topic:     topic,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// GenerateFrameID returns a new unique frame ID.
func GenerateFrameID() string { return id.New(id.PrefixFrame) }
