package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// compilePath is the download endpoint of the compile service.
const compilePath = "/api/compiler/compile/download"

// maxProgramSize bounds the response body.
const maxProgramSize = 4 << 20

// Remote compiles through an HTTP compile service.
type Remote struct {
	BaseURL  string
	Client   *http.Client // defaults to a client with a 30s timeout
	Filename string       // defaults to DefaultFilename
}

type compileRequest struct {
	SourceCode string `json:"source_code"`
	Filename   string `json:"filename"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (r Remote) Compile(ctx context.Context, source string) ([]byte, error) {
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	name := r.Filename
	if name == "" {
		name = DefaultFilename
	}

	body, err := json.Marshal(compileRequest{SourceCode: source, Filename: name})
	if err != nil {
		return nil, fmt.Errorf("compiler: encode request: %w", err)
	}
	url := strings.TrimSuffix(r.BaseURL, "/") + compilePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("compiler: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/octet-stream")

	slog.Debug("[COMPILE] remote compile", "url", url, "bytes", len(source))
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("compiler: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxProgramSize+1))
	if err != nil {
		return nil, fmt.Errorf("compiler: read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		if len(data) > maxProgramSize {
			return nil, fmt.Errorf("compiler: program exceeds %d bytes", maxProgramSize)
		}
		return data, nil
	case resp.StatusCode == http.StatusRequestTimeout:
		return nil, ErrTimeout
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var e errorResponse
		if err := json.Unmarshal(data, &e); err == nil && e.Detail != "" {
			return nil, newCompileError(strings.TrimPrefix(e.Detail, "Compilation failed: "))
		}
	}
	return nil, fmt.Errorf("compiler: bad status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}
