// Package results reports step status/log output to the orchestrator's
// Twirp-style results service and pages log output to rolling local files
// (spec §4.7). Grounded on connection.Manager's ReportStatus/SendLog
// open/close-log-stream shape: status transitions bracket a log stream's
// lifetime there; here they bracket the three-call log upload sequence.
package results

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreactions/runner/internal/errkind"
)

// Status is the WorkflowStepsUpdate status enum (spec §4.7).
type Status int

const (
	StatusPending    Status = 5
	StatusInProgress Status = 3
	StatusCompleted  Status = 6
)

// Conclusion is the WorkflowStepsUpdate conclusion enum (spec §4.7).
type Conclusion int

const (
	ConclusionUnknown   Conclusion = 0
	ConclusionSuccess   Conclusion = 2
	ConclusionFailure   Conclusion = 3
	ConclusionCancelled Conclusion = 4
	ConclusionSkipped   Conclusion = 7
)

// StepUpdate is one entry of a WorkflowStepsUpdate request.
type StepUpdate struct {
	ExternalId  string     `json:"external_id"`
	Number      int        `json:"number"`
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	Conclusion  Conclusion `json:"conclusion"`
	StartedAt   string     `json:"started_at,omitempty"`
	CompletedAt string     `json:"completed_at,omitempty"`
}

type stepsUpdateRequest struct {
	WorkflowRunBackendId     string       `json:"workflow_run_backend_id"`
	WorkflowJobRunBackendId  string       `json:"workflow_job_run_backend_id"`
	ChangeOrder              int64        `json:"change_order"`
	Steps                    []StepUpdate `json:"steps"`
}

// Client reports step status and uploads logs for one job (spec §4.7).
// changeOrder is a monotonically increasing counter across every
// WorkflowStepsUpdate call the client makes for this job.
type Client struct {
	baseURL     string
	planId      string
	jobId       string
	bearer      string
	httpClient  *http.Client
	changeOrder int64
}

// New constructs a Client rooted at baseURL (the ResultsServiceUrl found in
// the SystemVssConnection endpoint's data bag).
func New(baseURL, planId, jobId, bearer string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), planId: planId, jobId: jobId, bearer: bearer, httpClient: httpClient}
}

// UpdateSteps POSTs a WorkflowStepsUpdate with the next change_order.
func (c *Client) UpdateSteps(ctx context.Context, steps []StepUpdate) error {
	req := stepsUpdateRequest{
		WorkflowRunBackendId:    c.planId,
		WorkflowJobRunBackendId: c.jobId,
		ChangeOrder:             atomic.AddInt64(&c.changeOrder, 1),
		Steps:                   steps,
	}
	return c.postJSON(ctx, "/twirp/results.services.receiver.v1.ReceiverService/WorkflowStepsUpdate", req, nil)
}

type signedBlobURLResponse struct {
	LogsURL string `json:"logs_url"`
}

type createLogsMetadataRequest struct {
	UploadedAt string `json:"uploaded_at"`
	LineCount  int    `json:"line_count"`
}

// UploadLogs runs the three-call log upload sequence for one step (spec
// §4.7 "Log upload"): fetch a signed blob URL, PUT the timestamped lines,
// then record the upload's metadata.
func (c *Client) UploadLogs(ctx context.Context, stepExternalId string, lines []string) error {
	var blob signedBlobURLResponse
	if err := c.postJSON(ctx, "/twirp/results.services.receiver.v1.ReceiverService/GetStepLogsSignedBlobURL",
		map[string]string{"step_backend_id": stepExternalId}, &blob); err != nil {
		return fmt.Errorf("results: get signed blob url: %w", err)
	}

	body := timestampedBody(lines)
	if err := c.putBlob(ctx, blob.LogsURL, body); err != nil {
		return fmt.Errorf("results: upload log blob: %w", err)
	}

	meta := createLogsMetadataRequest{UploadedAt: nowISO(), LineCount: len(lines)}
	if err := c.postJSON(ctx, "/twirp/results.services.receiver.v1.ReceiverService/CreateStepLogsMetadata", meta, nil); err != nil {
		return fmt.Errorf("results: create log metadata: %w", err)
	}
	return nil
}

// timestampedBody joins lines, each prefixed by an ISO-8601 UTC timestamp
// with millisecond precision (spec §4.7).
func timestampedBody(lines []string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(nowISO())
		b.WriteByte(' ')
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.Transient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		kind, _ := errkind.FromHTTPStatus(resp.StatusCode)
		return errkind.Wrap(kind, fmt.Errorf("results: %s: status %d", path, resp.StatusCode))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) putBlob(ctx context.Context, url, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("x-ms-blob-type", "BlockBlob")
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.Transient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		kind, _ := errkind.FromHTTPStatus(resp.StatusCode)
		return errkind.Wrap(kind, fmt.Errorf("results: put blob: status %d", resp.StatusCode))
	}
	return nil
}
