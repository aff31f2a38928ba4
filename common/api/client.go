package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/wandb/launch/common/types"
)

const defaultRequestTimeout = 30 * time.Second

// HTTPClient is the JSON-over-HTTP implementation of Client. It is
// constructed once and passed by reference to the agent, the loader, and the
// schedulers; nothing in this module caches a global client.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a backend client for the given base URL and API key.
func NewHTTPClient(baseURL string, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultRequestTimeout},
	}
}

func (c *HTTPClient) do(ctx context.Context, method string, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return types.NewCommError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("api", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return types.NewCommError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return types.NewCommError(fmt.Errorf("%s %s: not found", method, path))
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.NewCommError(fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewCommError(errors.Wrap(err, "failed to decode response"))
	}
	return nil
}

func (c *HTTPClient) RegisterAgent(ctx context.Context, entity string, config map[string]interface{}) (*AgentInfo, error) {
	var info AgentInfo
	body := map[string]interface{}{"entity": entity, "config": config}
	if err := c.do(ctx, http.MethodPost, "/launch/agents", body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *HTTPClient) GetRunQueues(ctx context.Context, entity string, project string) ([]RunQueue, error) {
	var queues []RunQueue
	path := fmt.Sprintf("/launch/queues?entity=%s&project=%s", url.QueryEscape(entity), url.QueryEscape(project))
	if err := c.do(ctx, http.MethodGet, path, nil, &queues); err != nil {
		return nil, err
	}
	return queues, nil
}

func (c *HTTPClient) PopFromRunQueue(ctx context.Context, queue string, entity string, project string, agentID string) (*types.RunQueueItem, error) {
	var item types.RunQueueItem
	body := map[string]string{"queue": queue, "entity": entity, "project": project, "agentId": agentID}
	if err := c.do(ctx, http.MethodPost, "/launch/queues/pop", body, &item); err != nil {
		return nil, err
	}
	if item.ID == "" {
		// Empty queue.
		return nil, nil
	}
	return &item, nil
}

func (c *HTTPClient) AckRunQueueItem(ctx context.Context, itemID string, runID string) error {
	body := map[string]string{"itemId": itemID, "runId": runID}
	return c.do(ctx, http.MethodPost, "/launch/queues/ack", body, nil)
}

func (c *HTTPClient) FailRunQueueItem(ctx context.Context, itemID string, message string, stage string) error {
	body := map[string]string{"itemId": itemID, "message": message, "stage": stage}
	return c.do(ctx, http.MethodPost, "/launch/queues/fail", body, nil)
}

func (c *HTTPClient) UpdateRunQueueItem(ctx context.Context, itemID string, runSpec json.RawMessage) error {
	body := map[string]interface{}{"runSpec": runSpec}
	return c.do(ctx, http.MethodPut, "/launch/queues/items/"+url.PathEscape(itemID), body, nil)
}

func (c *HTTPClient) PushToRunQueue(ctx context.Context, queue string, entity string, spec *types.LaunchSpec) (*PushResult, error) {
	var result PushResult
	body := map[string]interface{}{"queue": queue, "entity": entity, "runSpec": spec}
	if err := c.do(ctx, http.MethodPost, "/launch/queues/push", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) UpdateLaunchAgentStatus(ctx context.Context, agentID string, status string) error {
	body := map[string]string{"status": status}
	return c.do(ctx, http.MethodPut, "/launch/agents/"+url.PathEscape(agentID), body, nil)
}

func (c *HTTPClient) GetLaunchAgent(ctx context.Context, agentID string) (*AgentInfo, error) {
	var info AgentInfo
	if err := c.do(ctx, http.MethodGet, "/launch/agents/"+url.PathEscape(agentID), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *HTTPClient) AgentHeartbeat(ctx context.Context, agentID string, runStates map[string]string) ([]Command, error) {
	var commands []Command
	body := map[string]interface{}{"runStates": runStates}
	path := "/launch/agents/" + url.PathEscape(agentID) + "/heartbeat"
	if err := c.do(ctx, http.MethodPost, path, body, &commands); err != nil {
		return nil, err
	}
	return commands, nil
}

func (c *HTTPClient) GetRunState(ctx context.Context, entity string, project string, runID string) (string, error) {
	var out struct {
		State string `json:"state"`
	}
	path := fmt.Sprintf("/runs/%s/%s/%s/state",
		url.PathEscape(entity), url.PathEscape(project), url.PathEscape(runID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.State, nil
}

func (c *HTTPClient) GetRunMetricHistory(ctx context.Context, entity string, project string, runID string, metric string) ([]float64, error) {
	var out struct {
		Values []float64 `json:"values"`
	}
	path := fmt.Sprintf("/runs/%s/%s/%s/history?metric=%s",
		url.PathEscape(entity), url.PathEscape(project), url.PathEscape(runID), url.QueryEscape(metric))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Values, nil
}

func (c *HTTPClient) StopRun(ctx context.Context, entity string, project string, runID string) error {
	path := fmt.Sprintf("/runs/%s/%s/%s/stop",
		url.PathEscape(entity), url.PathEscape(project), url.PathEscape(runID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *HTTPClient) UpsertSweep(ctx context.Context, entity string, project string, sweepID string, config map[string]interface{}) (string, error) {
	var out struct {
		SweepID string `json:"sweepId"`
	}
	body := map[string]interface{}{"entity": entity, "project": project, "sweepId": sweepID, "config": config}
	if err := c.do(ctx, http.MethodPost, "/sweeps", body, &out); err != nil {
		return "", err
	}
	return out.SweepID, nil
}

var _ Client = (*HTTPClient)(nil)
