// Package rest implements the batch RemoteClient against an HTTP batch
// service. Transport errors pass through as-is; rejected requests decode
// into batch.RemoteError with the service's code/message/detail pairs.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marz-dev/poolforge/internal/batch"
)

// taskBatchLimit is the service's cap on tasks per add-collection request.
// Larger batches are split transparently; the submitter still sees one call.
const taskBatchLimit = 100

type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

func New(endpoint, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(endpoint, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

type listResp[T any] struct {
	Value []T `json:"value"`
}

func (c *Client) PoolExists(ctx context.Context, poolID string) (bool, error) {
	_, err := c.GetPool(ctx, poolID)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func (c *Client) GetPool(ctx context.Context, poolID string) (batch.PoolDescriptor, error) {
	var desc batch.PoolDescriptor
	err := c.doJSON(ctx, http.MethodGet, "/pools/"+url.PathEscape(poolID), nil, &desc)
	return desc, err
}

func (c *Client) CreatePool(ctx context.Context, poolID, vmSize string, cfg batch.VMConfiguration, targetNodes int) error {
	payload := struct {
		ID              string                `json:"id"`
		VMSize          string                `json:"vmSize"`
		VMConfiguration batch.VMConfiguration `json:"virtualMachineConfiguration"`
		TargetDedicated int                   `json:"targetDedicatedNodes"`
	}{poolID, vmSize, cfg, targetNodes}
	return c.doJSON(ctx, http.MethodPost, "/pools", payload, nil)
}

func (c *Client) ResizePool(ctx context.Context, poolID string, dedicated, lowPriority int) error {
	payload := struct {
		TargetDedicated   int `json:"targetDedicatedNodes"`
		TargetLowPriority int `json:"targetLowPriorityNodes"`
	}{dedicated, lowPriority}
	return c.doJSON(ctx, http.MethodPost, "/pools/"+url.PathEscape(poolID)+"/resize", payload, nil)
}

func (c *Client) DeletePool(ctx context.Context, poolID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/pools/"+url.PathEscape(poolID), nil, nil)
}

func (c *Client) ListSupportedImages(ctx context.Context) ([]batch.ImageInfo, error) {
	var out listResp[batch.ImageInfo]
	if err := c.doJSON(ctx, http.MethodGet, "/supportedimages", nil, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

func (c *Client) ListIdleNodes(ctx context.Context, poolID string) ([]batch.NodeSummary, error) {
	q := url.Values{}
	q.Set("$filter", "state eq 'idle'")
	q.Set("$select", "id,state")
	var out listResp[batch.NodeSummary]
	path := "/pools/" + url.PathEscape(poolID) + "/nodes?" + q.Encode()
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

func (c *Client) CreateJob(ctx context.Context, jobID, poolID string) error {
	payload := struct {
		ID       string `json:"id"`
		PoolInfo struct {
			PoolID string `json:"poolId"`
		} `json:"poolInfo"`
	}{}
	payload.ID = jobID
	payload.PoolInfo.PoolID = poolID
	return c.doJSON(ctx, http.MethodPost, "/jobs", payload, nil)
}

func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(jobID), nil, nil)
}

func (c *Client) CreateTasks(ctx context.Context, jobID string, tasks []batch.TaskSpec) error {
	for _, chunk := range chunkTasks(tasks, taskBatchLimit) {
		payload := listResp[batch.TaskSpec]{Value: chunk}
		if err := c.doJSON(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/addtaskcollection", payload, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) ListTaskStates(ctx context.Context, jobID string) ([]batch.TaskSummary, error) {
	q := url.Values{}
	q.Set("$select", "id,state")
	var out listResp[batch.TaskSummary]
	path := "/jobs/" + url.PathEscape(jobID) + "/tasks?" + q.Encode()
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

func (c *Client) ListTasks(ctx context.Context, jobID string) ([]batch.TaskDetail, error) {
	var out listResp[batch.TaskDetail]
	if err := c.doJSON(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

func (c *Client) GetTaskOutput(ctx context.Context, jobID, taskID, fileName string) ([]byte, error) {
	path := "/jobs/" + url.PathEscape(jobID) + "/tasks/" + url.PathEscape(taskID) + "/files/" + url.PathEscape(fileName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var req *http.Request
	var err error
	if body != nil {
		buf, e := json.Marshal(body)
		if e != nil {
			return e
		}
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(string(buf)))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil {
		dec := json.NewDecoder(resp.Body)
		return dec.Decode(out)
	}
	return nil
}

// decodeError turns a non-2xx response into a RemoteError, falling back to
// the HTTP status when the body carries no structured error.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	re := &batch.RemoteError{}
	if err := json.Unmarshal(body, re); err != nil || re.Code == "" {
		re.Code = fmt.Sprintf("HTTP%d", resp.StatusCode)
		re.Message = strings.TrimSpace(string(body))
		if re.Message == "" {
			re.Message = http.StatusText(resp.StatusCode)
		}
	}
	return re
}

func isNotFound(err error) bool {
	re, ok := err.(*batch.RemoteError)
	if !ok {
		return false
	}
	return re.Code == "PoolNotFound" || re.Code == "HTTP404"
}

// chunkTasks splits a task batch into chunks of at most size.
func chunkTasks(tasks []batch.TaskSpec, size int) [][]batch.TaskSpec {
	if len(tasks) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]batch.TaskSpec{tasks}
	}
	var chunks [][]batch.TaskSpec
	for i := 0; i < len(tasks); i += size {
		end := i + size
		if end > len(tasks) {
			end = len(tasks)
		}
		chunks = append(chunks, tasks[i:end])
	}
	return chunks
}
