package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/xraph/herald"
	"github.com/xraph/herald/auth"
	"github.com/xraph/herald/engine"
	"github.com/xraph/herald/stream"
)

// Handler dispatches request frames to engine and broker operations.
type Handler struct {
	eng    *engine.Engine
	broker *stream.Broker
	logger *slog.Logger
}

// NewHandler creates a method handler for eng.
func NewHandler(eng *engine.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{eng: eng, broker: eng.Broker(), logger: logger}
}

// Handle processes a single request frame and returns its response.
func (h *Handler) Handle(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	ctx = auth.WithPrincipal(ctx, conn.Principal)

	switch frame.Method {
	case MethodSubscribe:
		return h.handleSubscribe(ctx, frame, conn)
	case MethodUnsubscribe:
		return h.handleUnsubscribe(ctx, frame, conn)
	case MethodJobStatus:
		return h.handleJobStatus(ctx, frame, conn)
	case MethodJobCancel:
		return h.handleJobCancel(ctx, frame, conn)
	default:
		return NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "unknown method: "+frame.Method)
	}
}

// mustResponseFrame creates a response frame, returning an error frame on marshal failure.
func mustResponseFrame(frameID string, data any) *Frame {
	resp, err := NewResponseFrame(frameID, data)
	if err != nil {
		return NewErrorFrame(frameID, ErrCodeInternal, "marshal response: "+err.Error())
	}
	return resp
}

// errorFrame maps herald errors to protocol error codes.
func errorFrame(frameID string, err error) *Frame {
	code := ErrCodeInternal
	switch {
	case errors.Is(err, herald.ErrUnauthenticated):
		code = ErrCodeUnauthorized
	case errors.Is(err, herald.ErrUnauthorized):
		code = ErrCodeForbidden
	case errors.Is(err, herald.ErrJobNotFound):
		code = ErrCodeNotFound
	case errors.Is(err, stream.ErrInvalidTopic), errors.Is(err, herald.ErrValidation):
		code = ErrCodeBadRequest
	}
	return NewErrorFrame(frameID, code, err.Error())
}

func (h *Handler) handleSubscribe(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	var req SubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	if err := h.broker.Subscribe(ctx, conn.ID, req.Topic); err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, TopicResponse{Topic: req.Topic, Status: "subscribed"})
}

func (h *Handler) handleUnsubscribe(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	var req UnsubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	if err := h.broker.Unsubscribe(ctx, conn.ID, req.Topic); err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, TopicResponse{Topic: req.Topic, Status: "unsubscribed"})
}

// handleJobStatus answers with the same access rule as subscribing to
// the job's topic, so a client may reconcile exactly the jobs it could
// have watched.
func (h *Handler) handleJobStatus(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	var req JobStatusRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	if req.JobID == "" {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "job_id is required")
	}
	if err := h.broker.Authorize(ctx, conn.Principal, stream.JobTopic(req.JobID)); err != nil {
		return errorFrame(frame.ID, err)
	}

	st, err := h.eng.GetStatus(ctx, req.JobID)
	if err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, st)
}

func (h *Handler) handleJobCancel(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	var req JobCancelRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	if req.JobID == "" {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "job_id is required")
	}

	if err := h.eng.RequestCancellation(ctx, req.JobID, conn.Principal); err != nil {
		return errorFrame(frame.ID, err)
	}
	st, err := h.eng.GetStatus(ctx, req.JobID)
	if err != nil {
		return errorFrame(frame.ID, err)
	}

	h.logger.Debug("job cancel requested over gateway",
		slog.String("conn_id", conn.ID),
		slog.String("job_id", req.JobID),
	)
	return mustResponseFrame(frame.ID, JobCancelResponse{JobID: req.JobID, State: string(st.State)})
}
