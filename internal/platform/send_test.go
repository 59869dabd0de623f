package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chatbridgehq/chatbridge/internal/retry"
)

func TestSendPage(t *testing.T) {
	t.Parallel()

	var gotPath, gotToken string
	var gotBody sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.URL.Query().Get("access_token")
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &gotBody); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		json.NewEncoder(w).Encode(sendResponse{RecipientID: "P1", MessageID: "mid.123"})
	}))
	defer srv.Close()

	client := NewSendClient(nil, srv.URL, time.Second)
	mid, err := client.Send(context.Background(), PlatformPage, "", "tok-1", "P1", Reply{
		Text: "hi",
		QuickReplies: []QuickReplyOption{
			{ContentType: "text", Title: "Yes", Payload: "YES"},
		},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if mid != "mid.123" {
		t.Fatalf("wrong message id: %q", mid)
	}
	if gotPath != "/me/messages" {
		t.Fatalf("wrong path: %q", gotPath)
	}
	if gotToken != "tok-1" {
		t.Fatalf("wrong token: %q", gotToken)
	}
	if gotBody.Recipient.ID != "P1" || gotBody.Message.Text != "hi" || gotBody.MessagingType != "RESPONSE" {
		t.Fatalf("unexpected body: %+v", gotBody)
	}
	if len(gotBody.Message.QuickReplies) != 1 || gotBody.Message.QuickReplies[0].Payload != "YES" {
		t.Fatalf("quick replies lost: %+v", gotBody.Message)
	}
}

func TestSendPhotoUsesAccountPath(t *testing.T) {
	t.Parallel()

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(sendResponse{MessageID: "pm.456"})
	}))
	defer srv.Close()

	client := NewSendClient(nil, srv.URL, time.Second)
	mid, err := client.Send(context.Background(), PlatformPhoto, "acct-9", "tok", "S1", Reply{Text: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if mid != "pm.456" {
		t.Fatalf("wrong message id: %q", mid)
	}
	if gotPath != "/acct-9/messages" {
		t.Fatalf("wrong path: %q", gotPath)
	}
}

func TestSendPhotoRequiresAccountID(t *testing.T) {
	t.Parallel()

	client := NewSendClient(nil, "http://unused.invalid", time.Second)
	_, err := client.Send(context.Background(), PlatformPhoto, "", "tok", "S1", Reply{Text: "hello"})
	if err == nil {
		t.Fatal("expected an error for missing account id")
	}
}

func TestSendSkipsEmptyReply(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an empty reply")
	}))
	defer srv.Close()

	client := NewSendClient(nil, srv.URL, time.Second)
	mid, err := client.Send(context.Background(), PlatformPage, "", "tok", "P1", Reply{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if mid != "" {
		t.Fatalf("expected no message id, got %q", mid)
	}
}

func TestSendErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	client := NewSendClient(nil, srv.URL, time.Second)
	_, err := client.Send(context.Background(), PlatformPage, "", "tok", "P1", Reply{Text: "hi"})

	var statusErr *retry.HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected HTTPStatusError, got %v", err)
	}
	if statusErr.Status != http.StatusTooManyRequests {
		t.Fatalf("wrong status: %d", statusErr.Status)
	}
	if !retry.IsTransient(err) {
		t.Fatal("429 must classify as transient")
	}
}
