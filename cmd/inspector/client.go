package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
)

const apiPrefix = "/v1/inspector"

type client struct {
	baseURL    string
	token      string
	admin      bool
	httpClient *http.Client
}

// createdTask mirrors the create response of the task endpoints.
type createdTask struct {
	ID          int64             `json:"id"`
	Fingerprint string            `json:"fingerprint"`
	State       string            `json:"state"`
	Failed      map[string]string `json:"failed"`
}

type taskSummary struct {
	ID          int64  `json:"id"`
	Fingerprint string `json:"fingerprint"`
	Kind        string `json:"kind"`
	State       string `json:"state"`
	Results     int    `json:"results"`
	Pending     int    `json:"pending"`
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	var out struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if json.Unmarshal([]byte(e.Body), &out) == nil && out.Error != "" {
		if out.Kind != "" {
			return fmt.Sprintf("error (%d, %s): %s", e.Status, out.Kind, out.Error)
		}
		return fmt.Sprintf("error (%d): %s", e.Status, out.Error)
	}
	return fmt.Sprintf("error (%d): %s", e.Status, e.Body)
}

func newClient(baseURL, token string, admin bool) *client {
	return &client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		admin:      admin,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *client) request(method, path string, body any) (int, []byte, error) {
	var buf io.Reader = bytes.NewReader(nil)
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		buf = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.do(method, path, buf, contentType)
}

func (c *client) do(method, path string, body io.Reader, contentType string) (int, []byte, error) {
	req, err := http.NewRequest(method, c.baseURL+apiPrefix+path, body)
	if err != nil {
		return 0, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.admin {
		req.Header.Set("X-Role", "ADMIN")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out, nil
}

// call decodes a 2xx response into out; anything else becomes an *apiError.
func (c *client) call(method, path string, body any, out any) error {
	status, resp, err := c.request(method, path, body)
	if err != nil {
		return err
	}
	return decode(status, resp, out)
}

func decode(status int, resp []byte, out any) error {
	if status >= 300 {
		return &apiError{Status: status, Body: strings.TrimSpace(string(resp))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	return nil
}

// uploadFile streams data as a multipart form, drawing a byte progress bar when showProgress
// is set.
func (c *client) uploadFile(filename string, data []byte, webhook string, showProgress bool) (createdTask, error) {
	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return createdTask{}, err
	}
	if _, err := part.Write(data); err != nil {
		return createdTask{}, err
	}
	_ = mw.WriteField("filename", filename)
	if webhook != "" {
		_ = mw.WriteField("webhook", webhook)
	}
	if err := mw.Close(); err != nil {
		return createdTask{}, err
	}

	var body io.Reader = &form
	if showProgress {
		bar := progressbar.DefaultBytes(int64(form.Len()), "uploading "+filename)
		r := progressbar.NewReader(&form, bar)
		body = &r
	}
	status, resp, err := c.do(http.MethodPost, "/tasks/file", body, mw.FormDataContentType())
	if err != nil {
		return createdTask{}, err
	}
	var out createdTask
	return out, decode(status, resp, &out)
}

func isLocalURL(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	return host == "localhost" || host == "127.0.0.1"
}
