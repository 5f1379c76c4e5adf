package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientMapsStatusToTypedErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"code":"token_expired","message":"token expired"}}`, IsAuth},
		{"forbidden", http.StatusForbidden, `{"error":{"message":"no access"}}`, IsAuth},
		{"not found", http.StatusNotFound, `{"error":{"message":"gone"}}`, IsNotFound},
		{"conflict", http.StatusConflict, `{"error":{"message":"pair exists"}}`, IsConflict},
		{"bad request", http.StatusBadRequest, `{"error":{"field":"email","message":"malformed"}}`, IsValidation},
		{"unprocessable", http.StatusUnprocessableEntity, `{"error":{"message":"bad payload"}}`, IsValidation},
		{"bad gateway", http.StatusBadGateway, ``, IsNetwork},
		{"unavailable", http.StatusServiceUnavailable, ``, IsNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL)
			_, err := c.GetUser(context.Background(), "u1")
			if err == nil {
				t.Fatal("expected an error")
			}
			if !tt.check(err) {
				t.Errorf("err = %v, wrong category", err)
			}
		})
	}
}

func TestClientSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(User{ID: "u1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetToken("tok-123")
	if _, err := c.GetUser(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("authorization = %q, want Bearer tok-123", gotAuth)
	}
}

func TestClientAppliesDefaultDeadline(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(srv.URL, WithTimeout(100*time.Millisecond))
	start := time.Now()
	_, err := c.GetUser(context.Background(), "u1")
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if !IsNetwork(err) {
		t.Errorf("err = %v, want network category", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("call took %v, default deadline not applied", elapsed)
	}
}

func TestInsertMessageEchoesCorrelationID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in MessageRow
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode request: %v", err)
		}
		in.ID = "srv-1"
		_ = json.NewEncoder(w).Encode(in)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	out, err := c.InsertMessage(context.Background(), MessageRow{
		ConversationID: "c1",
		SenderID:       "me",
		Kind:           "text",
		Payload:        "hi",
		CorrelationID:  "corr-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.ID != "srv-1" {
		t.Errorf("id = %q, want srv-1", out.ID)
	}
	if out.CorrelationID != "corr-1" {
		t.Errorf("correlation id = %q, want corr-1 echoed", out.CorrelationID)
	}
}

func TestGetOrCreateConversationHitsPairEndpoint(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(ConversationRow{ID: "c1", UserA: "me", UserB: "alice"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	row, err := c.GetOrCreateConversation(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if row.ID != "c1" {
		t.Errorf("id = %q, want c1", row.ID)
	}
	if gotPath == "" {
		t.Error("no request reached the server")
	}
}

func TestConversationRowCounterpart(t *testing.T) {
	row := ConversationRow{UserA: "me", UserB: "alice"}
	if got := row.Counterpart("me"); got != "alice" {
		t.Errorf("counterpart = %q, want alice", got)
	}
	if got := row.Counterpart("alice"); got != "me" {
		t.Errorf("counterpart = %q, want me", got)
	}
}
