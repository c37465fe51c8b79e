package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	mailpipe "github.com/driftlock/mailpipe"
)

func TestNewClient(t *testing.T) {
	_, err := NewClient("", ClientOptions{})
	require.ErrorContains(t, err, "base url is required")

	client, err := NewClient("http://localhost:9999", ClientOptions{})
	require.NoError(t, err)
	require.NotNil(t, client)
}

func TestOCRClient(t *testing.T) {
	t.Run("extracts text", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/extract", r.URL.Path)

			var req struct {
				AttachmentID string `json:"attachment_id"`
				Path         string `json:"path"`
				ContentType  string `json:"content_type"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Equal(t, "a1", req.AttachmentID)
			require.Equal(t, "image/png", req.ContentType)

			json.NewEncoder(w).Encode(map[string]string{"text": "extracted words"})
		}))
		defer server.Close()

		client, err := NewOCRClient(server.URL, ClientOptions{})
		require.NoError(t, err)

		text, err := client.ExtractText(context.Background(), mailpipe.Attachment{
			ID: "a1", Path: "/tmp/a1.png", ContentType: "image/png",
		})
		require.NoError(t, err)
		require.Equal(t, "extracted words", text)
	})

	t.Run("propagates error responses", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model overloaded", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		client, err := NewOCRClient(server.URL, ClientOptions{})
		require.NoError(t, err)

		_, err = client.ExtractText(context.Background(), mailpipe.Attachment{ID: "a1"})
		require.ErrorContains(t, err, "status 503")
		require.ErrorContains(t, err, "model overloaded")
	})
}

func TestContentMerger(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/merge", r.URL.Path)
		var req struct {
			Subject string `json:"subject"`
			Body    string `json:"body"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(map[string]string{"content": req.Subject + " | " + req.Body})
	}))
	defer server.Close()

	client, err := NewContentMerger(server.URL, ClientOptions{})
	require.NoError(t, err)

	content, err := client.MergeContent(context.Background(), "hello", "world")
	require.NoError(t, err)
	require.Equal(t, "hello | world", content)
}

func TestSummarizer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/summarize", r.URL.Path)
		var req struct {
			Content        string   `json:"content"`
			ExtractedTexts []string `json:"extracted_texts"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "merged content", req.Content)
		require.Equal(t, []string{"from image"}, req.ExtractedTexts)

		json.NewEncoder(w).Encode(mailpipe.Summary{Title: "t", Body: "b", Priority: "low"})
	}))
	defer server.Close()

	client, err := NewSummarizer(server.URL, ClientOptions{})
	require.NoError(t, err)

	summary, err := client.Summarize(context.Background(), "merged content", []string{"from image"})
	require.NoError(t, err)
	require.Equal(t, mailpipe.Summary{Title: "t", Body: "b", Priority: "low"}, summary)
}

func TestTicketClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tickets", r.URL.Path)
		var req mailpipe.TicketRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "msg-1", req.RunID)

		json.NewEncoder(w).Encode(mailpipe.Ticket{ID: "TCK-9", URL: "https://tracker/TCK-9"})
	}))
	defer server.Close()

	client, err := NewTicketClient(server.URL, ClientOptions{})
	require.NoError(t, err)

	ticket, err := client.CreateTicket(context.Background(), mailpipe.TicketRequest{
		RunID: "msg-1", Title: "t", Body: "b", Priority: "high",
	})
	require.NoError(t, err)
	require.Equal(t, "TCK-9", ticket.ID)
}

func TestWebhookNotifier(t *testing.T) {
	t.Run("posts the event", func(t *testing.T) {
		var mu sync.Mutex
		var received []mailpipe.Event
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/events", r.URL.Path)
			var event mailpipe.Event
			require.NoError(t, json.NewDecoder(r.Body).Decode(&event))
			mu.Lock()
			received = append(received, event)
			mu.Unlock()
		}))
		defer server.Close()

		notifier, err := NewWebhookNotifier(server.URL, ClientOptions{})
		require.NoError(t, err)

		notifier.Notify(context.Background(), mailpipe.NewEvent(mailpipe.EventSuccess, "msg-1", nil))

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, received, 1)
		require.Equal(t, mailpipe.EventSuccess, received[0].Kind)
		require.Equal(t, "msg-1", received[0].RunID)
	})

	t.Run("swallows delivery failures", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusBadGateway)
		}))
		defer server.Close()

		notifier, err := NewWebhookNotifier(server.URL, ClientOptions{})
		require.NoError(t, err)

		// Must not panic or block; failures are intentionally dropped.
		notifier.Notify(context.Background(), mailpipe.NewEvent(mailpipe.EventFailed, "msg-1", []string{"summarize"}))
	})
}
