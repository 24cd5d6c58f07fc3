package jobctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const octoPrintTimeout = 10 * time.Second

// OctoPrint controls a printer through the OctoPrint REST API.
type OctoPrint struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOctoPrint creates a client for the server at baseURL
// (e.g. http://octopi.local) authenticated with apiKey.
func NewOctoPrint(baseURL, apiKey string) *OctoPrint {
	return &OctoPrint{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: octoPrintTimeout},
	}
}

// PausePrint pauses the active job. Pausing an already paused job is a no-op.
func (o *OctoPrint) PausePrint(ctx context.Context) error {
	body := map[string]string{"command": "pause", "action": "pause"}
	return opError(OpPause, o.post(ctx, "/api/job", body))
}

// CancelPrint cancels the active job.
func (o *OctoPrint) CancelPrint(ctx context.Context) error {
	body := map[string]string{"command": "cancel"}
	return opError(OpCancel, o.post(ctx, "/api/job", body))
}

// SendCommands queues the commands on the printer connection.
func (o *OctoPrint) SendCommands(ctx context.Context, commands []string) error {
	body := map[string][]string{"commands": commands}
	return opError(OpCommands, o.post(ctx, "/api/printer/command", body))
}

// IsPrinting reports whether the job state is Printing.
func (o *OctoPrint) IsPrinting(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/job", nil)
	if err != nil {
		return false, opError(OpIsPrinting, err)
	}
	resp, err := o.do(req)
	if err != nil {
		return false, opError(OpIsPrinting, err)
	}
	defer resp.Body.Close()

	var job struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return false, opError(OpIsPrinting, fmt.Errorf("decode job: %w", err))
	}
	return strings.HasPrefix(job.State, "Printing"), nil
}

func (o *OctoPrint) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do sends req and turns non-2xx responses into errors.
func (o *OctoPrint) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("X-Api-Key", o.apiKey)
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}
