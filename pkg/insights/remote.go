package insights

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// RemotePipeline calls a pipeline exposed over HTTP (see webapi's
// POST /api/insights/generate).
type RemotePipeline struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

var _ Pipeline = &RemotePipeline{}

func NewRemotePipeline(endpoint, apiKey string, timeout time.Duration) *RemotePipeline {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &RemotePipeline{
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (p *RemotePipeline) Generate(ctx context.Context, req Request) (Response, error) {
	if p == nil || p.endpoint == "" {
		return Response{}, pipelineErr(errors.New("endpoint not configured"), "remote generate")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, pipelineErr(err, "encode request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, pipelineErr(err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Response{}, pipelineErr(err, "call pipeline")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, pipelineErr(err, "read response")
	}
	if resp.StatusCode/100 != 2 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		if eb.Error == "" {
			eb.Error = strings.TrimSpace(string(data))
		}
		return Response{}, pipelineErr(errors.Errorf("status %d: %s", resp.StatusCode, eb.Error), "call pipeline")
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return Response{}, &MalformedError{Reason: "Pipeline response parse error", Err: err}
	}
	return out, nil
}
