package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wardenhq/warden/pkg/pack"
)

// RemoteExecutor drives steps through an external action service (a
// browser driver or extraction worker) over HTTP. The runner stays the
// governor; the capability lives out of process.
type RemoteExecutor struct {
	baseURL string
	client  *http.Client
}

// NewRemoteExecutor points at an executor service. A nil client gets a
// sane default timeout; per-step deadlines still come from the request
// context.
func NewRemoteExecutor(baseURL string, client *http.Client) *RemoteExecutor {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &RemoteExecutor{baseURL: baseURL, client: client}
}

type remoteStepRequest struct {
	Action  string `json:"action"`
	Target  string `json:"target,omitempty"`
	WaitFor string `json:"wait_for,omitempty"`
}

type remoteStepResponse struct {
	Content        []byte `json:"content,omitempty"`
	FinalURL       string `json:"final_url,omitempty"`
	CaptchaPresent bool   `json:"captcha_present,omitempty"`
	LoginForm      bool   `json:"login_form,omitempty"`
	PaymentForm    bool   `json:"payment_form,omitempty"`
	PIIFields      bool   `json:"pii_fields,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Execute posts the step to the action service and maps its response to
// an Observation.
func (e *RemoteExecutor) Execute(ctx context.Context, step pack.Step) (*Observation, error) {
	body, err := json.Marshal(remoteStepRequest{
		Action:  step.Action,
		Target:  step.Target,
		WaitFor: step.WaitFor,
	})
	if err != nil {
		return nil, fmt.Errorf("runner: encode step: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("runner: executor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runner: executor call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("runner: executor response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runner: executor returned %d: %s", resp.StatusCode, data)
	}

	var out remoteStepResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("runner: executor response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("runner: step failed remotely: %s", out.Error)
	}

	return &Observation{
		Content:        out.Content,
		FinalURL:       out.FinalURL,
		CaptchaPresent: out.CaptchaPresent,
		LoginForm:      out.LoginForm,
		PaymentForm:    out.PaymentForm,
		PIIFields:      out.PIIFields,
	}, nil
}
