package remote

import (
	"context"

	mailpipe "github.com/driftlock/mailpipe"
)

// OCRClient calls a text-recognition service.
type OCRClient struct {
	client *Client
}

// NewOCRClient creates an OCR collaborator at the given base URL.
func NewOCRClient(baseURL string, opts ClientOptions) (*OCRClient, error) {
	client, err := NewClient(baseURL, opts)
	if err != nil {
		return nil, err
	}
	return &OCRClient{client: client}, nil
}

func (c *OCRClient) ExtractText(ctx context.Context, attachment mailpipe.Attachment) (string, error) {
	request := struct {
		AttachmentID string `json:"attachment_id"`
		Path         string `json:"path"`
		ContentType  string `json:"content_type"`
	}{attachment.ID, attachment.Path, attachment.ContentType}

	var response struct {
		Text string `json:"text"`
	}
	if err := c.client.post(ctx, "/extract", request, &response); err != nil {
		return "", err
	}
	return response.Text, nil
}

// ContentMerger calls a text-transform service.
type ContentMerger struct {
	client *Client
}

// NewContentMerger creates a content-merge collaborator at the given base URL.
func NewContentMerger(baseURL string, opts ClientOptions) (*ContentMerger, error) {
	client, err := NewClient(baseURL, opts)
	if err != nil {
		return nil, err
	}
	return &ContentMerger{client: client}, nil
}

func (c *ContentMerger) MergeContent(ctx context.Context, subject, body string) (string, error) {
	request := struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}{subject, body}

	var response struct {
		Content string `json:"content"`
	}
	if err := c.client.post(ctx, "/merge", request, &response); err != nil {
		return "", err
	}
	return response.Content, nil
}

// Summarizer calls a summarization service.
type Summarizer struct {
	client *Client
}

// NewSummarizer creates a summarizer collaborator at the given base URL.
func NewSummarizer(baseURL string, opts ClientOptions) (*Summarizer, error) {
	client, err := NewClient(baseURL, opts)
	if err != nil {
		return nil, err
	}
	return &Summarizer{client: client}, nil
}

func (c *Summarizer) Summarize(ctx context.Context, content string, extractedTexts []string) (mailpipe.Summary, error) {
	request := struct {
		Content        string   `json:"content"`
		ExtractedTexts []string `json:"extracted_texts,omitempty"`
	}{content, extractedTexts}

	var summary mailpipe.Summary
	if err := c.client.post(ctx, "/summarize", request, &summary); err != nil {
		return mailpipe.Summary{}, err
	}
	return summary, nil
}

// TicketClient calls the issue-tracker service.
type TicketClient struct {
	client *Client
}

// NewTicketClient creates a ticket collaborator at the given base URL.
func NewTicketClient(baseURL string, opts ClientOptions) (*TicketClient, error) {
	client, err := NewClient(baseURL, opts)
	if err != nil {
		return nil, err
	}
	return &TicketClient{client: client}, nil
}

func (c *TicketClient) CreateTicket(ctx context.Context, req mailpipe.TicketRequest) (mailpipe.Ticket, error) {
	var ticket mailpipe.Ticket
	if err := c.client.post(ctx, "/tickets", req, &ticket); err != nil {
		return mailpipe.Ticket{}, err
	}
	return ticket, nil
}

// WebhookNotifier delivers lifecycle events to a webhook endpoint. Delivery
// failures are logged by the caller's transport and never fail a run.
type WebhookNotifier struct {
	client *Client
}

// NewWebhookNotifier creates a webhook notifier at the given base URL.
func NewWebhookNotifier(baseURL string, opts ClientOptions) (*WebhookNotifier, error) {
	client, err := NewClient(baseURL, opts)
	if err != nil {
		return nil, err
	}
	return &WebhookNotifier{client: client}, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, event mailpipe.Event) {
	// Best effort: a run never fails over a notification.
	_ = n.client.post(ctx, "/events", event, nil)
}
