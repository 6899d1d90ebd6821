package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xraph/herald/gateway"
	"github.com/xraph/herald/job"
)

// JobStatus fetches the current status of a job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (job.Status, error) {
	resp, err := c.request(ctx, gateway.MethodJobStatus, gateway.JobStatusRequest{JobID: jobID})
	if err != nil {
		return job.Status{}, err
	}
	var st job.Status
	if err := json.Unmarshal(resp.Data, &st); err != nil {
		return job.Status{}, fmt.Errorf("unmarshal status: %w", err)
	}
	return st, nil
}

// CancelJob asks the server to cancel a job and returns the job's state
// right after the request. A running job reaches its final state once
// its handler observes the cancellation.
func (c *Client) CancelJob(ctx context.Context, jobID string) (job.State, error) {
	resp, err := c.request(ctx, gateway.MethodJobCancel, gateway.JobCancelRequest{JobID: jobID})
	if err != nil {
		return "", err
	}
	var out gateway.JobCancelResponse
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	return job.State(out.State), nil
}
