package fediverse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/fedisync/fedisync/util"
)

// errorBody is the JSON error shape most fediverse software returns on
// failed admin calls.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// httpJSON performs a JSON request and decodes the response into out (which
// may be nil to discard the body). Non-2xx responses and undecodable bodies
// both surface as *APIError wrapping ErrRemoteProtocol; the caller cannot and
// should not distinguish a timeout from any other transport failure.
func httpJSON(ctx context.Context, client *http.Client, method, endpoint string, headers map[string]string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrRemoteProtocol, method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil {
			return &APIError{StatusCode: resp.StatusCode, Endpoint: endpoint}
		}
		msg := eb.Error
		if eb.Message != "" {
			msg = eb.Message
		}
		return &APIError{StatusCode: resp.StatusCode, Endpoint: endpoint, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: expected JSON response from %s: %v", ErrRemoteProtocol, endpoint, err)
	}
	return nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, out any) error {
	return httpJSON(ctx, client, http.MethodGet, endpoint, headers, nil, out)
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, body, out any) error {
	return httpJSON(ctx, client, http.MethodPost, endpoint, headers, body, out)
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func queryString(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return "?" + q.Encode()
}

func defaultHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return util.RobustHTTPClient()
}
