// Package commands implements the vxlantunctl CLI commands.
package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vxlantun/vxlantund/internal/control"
)

// apiClient talks to the vxlantund control API (spec 6.1, 6.2) over plain
// JSON-over-HTTP, the net/http analogue of gobfdctl's generated ConnectRPC
// client: no protobuf service is generated here, so this hand-writes the
// request/response round trip against the exported control message types.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(addr string) *apiClient {
	return &apiClient{baseURL: "http://" + addr, http: http.DefaultClient}
}

// apiError is returned when the control API responds with a non-2xx status.
type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("control API: %d: %s", e.status, e.msg)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return &apiError{status: resp.StatusCode, msg: errResp.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) createEndpoint(ctx context.Context, req control.CreateEndpointRequest) (control.EndpointView, error) {
	var view control.EndpointView
	err := c.do(ctx, http.MethodPost, "/v1/endpoints", req, &view)
	return view, err
}

func (c *apiClient) deleteEndpoint(ctx context.Context, vni uint32, port uint16, namespace string) error {
	path := fmt.Sprintf("/v1/endpoints/%d/%d", vni, port)
	if namespace != "" {
		path += "?namespace=" + namespace
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *apiClient) listEndpoints(ctx context.Context) ([]control.EndpointView, error) {
	var views []control.EndpointView
	err := c.do(ctx, http.MethodGet, "/v1/endpoints", nil, &views)
	return views, err
}

func (c *apiClient) endpointStats(ctx context.Context, vni uint32, port uint16, namespace string) (control.CountersView, error) {
	var view control.CountersView
	path := fmt.Sprintf("/v1/endpoints/%d/%d/stats", vni, port)
	if namespace != "" {
		path += "?namespace=" + namespace
	}
	err := c.do(ctx, http.MethodGet, path, nil, &view)
	return view, err
}

func (c *apiClient) addFDB(ctx context.Context, req control.AddFDBRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/fdb", req, nil)
}

func (c *apiClient) delFDB(ctx context.Context, req control.DelFDBRequest) error {
	return c.do(ctx, http.MethodDelete, "/v1/fdb", req, nil)
}

func (c *apiClient) dumpFDB(ctx context.Context, vni uint32, port uint16, namespace string, all bool) ([]control.FDBRecordView, error) {
	path := fmt.Sprintf("/v1/fdb?vni=%d", vni)
	if port != 0 {
		path += fmt.Sprintf("&port=%d", port)
	}
	if namespace != "" {
		path += "&namespace=" + namespace
	}
	if all {
		path += "&all=true"
		return nil, c.do(ctx, http.MethodGet, path, nil, nil)
	}

	var records []control.FDBRecordView
	err := c.do(ctx, http.MethodGet, path, nil, &records)
	return records, err
}
