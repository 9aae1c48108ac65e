package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// apiError is the error body returned by the server on non-2xx responses.
type apiError struct {
	Error         string `json:"error"`
	Code          string `json:"code,omitempty"`
	ExpectedToken string `json:"expectedToken,omitempty"`
	ReceivedToken string `json:"receivedToken,omitempty"`
}

func decodeError(resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()
	var ae apiError
	if err := json.NewDecoder(resp.Body).Decode(&ae); err != nil || ae.Error == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if ae.Code != "" {
		return fmt.Errorf("%s: %s", ae.Code, ae.Error)
	}
	return fmt.Errorf("%s", ae.Error)
}

// postJSON posts body as JSON and decodes a JSON response into out (if non-nil).
func postJSON(ctx context.Context, url string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// getJSON fetches url and decodes a JSON response into out.
func getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	defer func() { _ = resp.Body.Close() }()
	return json.NewDecoder(resp.Body).Decode(out)
}

// sseFrame is one decoded server-sent event.
type sseFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// readSSE parses `event:`/`data:` frames from r and invokes fn per frame.
// Returns nil on clean stream end.
func readSSE(r io.Reader, fn func(sseFrame) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var frame sseFrame
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if frame.Event != "" || len(frame.Data) > 0 {
				if err := fn(frame); err != nil {
					return err
				}
			}
			frame = sseFrame{}
		case strings.HasPrefix(line, "event:"):
			frame.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			frame.Data = json.RawMessage(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return scanner.Err()
}
