// Package crm implements the engine's collaborator interfaces against the
// CRM gateway's REST API: template rendering, outbound email and SMS, task
// and call slot tracking, and record reads.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cadencehq/cadence/pkg/protocol"
)

const defaultTimeout = 30 * time.Second

// Client talks to the CRM gateway. It implements protocol.TemplateResolver,
// protocol.ChannelDelivery, protocol.TaskTracker, protocol.RecordSource, and
// protocol.RecordLister.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a gateway client with the default timeout.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  logger.With("module", "crm_client"),
	}
}

type renderRequest struct {
	RecordContext map[string]any `json:"record_context"`
}

type renderResponse struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (c *Client) Render(ctx context.Context, templateID string, recordContext map[string]any) (*protocol.RenderedTemplate, error) {
	var rendered renderResponse

	path := "/templates/" + url.PathEscape(templateID) + "/render"

	err := c.post(ctx, path, renderRequest{RecordContext: recordContext}, &rendered, protocol.ErrTemplateNotFound)
	if err != nil {
		return nil, err
	}

	return &protocol.RenderedTemplate{Subject: rendered.Subject, Body: rendered.Body}, nil
}

type emailRequest struct {
	To       string   `json:"to"`
	Subject  string   `json:"subject"`
	Body     string   `json:"body"`
	ThreadID string   `json:"thread_id,omitempty"`
	CC       []string `json:"cc,omitempty"`
	BCC      []string `json:"bcc,omitempty"`
}

type smsRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id,omitempty"`
}

func (c *Client) SendEmail(ctx context.Context, to, subject, body, threadID string, cc, bcc []string) (*protocol.SendResult, error) {
	var sent sendResponse

	err := c.post(ctx, "/messages/email", emailRequest{
		To: to, Subject: subject, Body: body, ThreadID: threadID, CC: cc, BCC: bcc,
	}, &sent, nil)
	if err != nil {
		return nil, err
	}

	return &protocol.SendResult{MessageID: sent.MessageID, ThreadID: sent.ThreadID}, nil
}

func (c *Client) SendSMS(ctx context.Context, to, body string) (*protocol.SendResult, error) {
	var sent sendResponse

	if err := c.post(ctx, "/messages/sms", smsRequest{To: to, Body: body}, &sent, nil); err != nil {
		return nil, err
	}

	return &protocol.SendResult{MessageID: sent.MessageID}, nil
}

type taskRequest struct {
	Description string    `json:"description"`
	DueDate     time.Time `json:"due_date"`
	Required    bool      `json:"required"`
}

type taskResponse struct {
	TaskID string `json:"task_id"`
}

func (c *Client) CreateTask(ctx context.Context, description string, dueDate time.Time, required bool) (string, error) {
	var created taskResponse

	err := c.post(ctx, "/tasks", taskRequest{
		Description: description, DueDate: dueDate, Required: required,
	}, &created, nil)
	if err != nil {
		return "", err
	}

	return created.TaskID, nil
}

type callSlotResponse struct {
	CallSlotID string `json:"call_slot_id"`
}

func (c *Client) CreateCallSlot(ctx context.Context) (string, error) {
	var created callSlotResponse

	if err := c.post(ctx, "/call-slots", struct{}{}, &created, nil); err != nil {
		return "", err
	}

	return created.CallSlotID, nil
}

func (c *Client) Get(ctx context.Context, recordID string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/records/"+url.PathEscape(recordID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrDelivery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("record %s: %w", recordID, protocol.ErrRecordNotFound)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var attrs map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&attrs); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", recordID, err)
	}

	return attrs, nil
}

type searchRequest struct {
	Filter map[string]any `json:"filter,omitempty"`
}

type searchResponse struct {
	RecordIDs []string `json:"record_ids"`
}

func (c *Client) List(ctx context.Context, filter map[string]any) ([]string, error) {
	var result searchResponse

	if err := c.post(ctx, "/records/search", searchRequest{Filter: filter}, &result, nil); err != nil {
		return nil, err
	}

	return result.RecordIDs, nil
}

// post sends a JSON body and decodes a JSON response. Transport failures and
// 5xx responses come back wrapped in protocol.ErrDelivery so the dispatcher
// retries them. When notFound is non-nil it replaces the error for a 404;
// otherwise a 404 surfaces as a plain terminal gateway error.
func (c *Client) post(ctx context.Context, path string, body, out any, notFound error) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrDelivery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && notFound != nil {
		return fmt.Errorf("%s: %w", path, notFound)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp)
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) statusError(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: gateway returned %d: %s", protocol.ErrDelivery, resp.StatusCode, detail)
	}

	return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, detail)
}
