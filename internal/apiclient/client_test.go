package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

func newTestServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, staticToken("tok"))
}

func writeEnvelope(w http.ResponseWriter, status int, success bool, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": success, "message": message, "data": data})
}

func TestSendMessage(t *testing.T) {
	var got SendRequest
	var auth string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/messages" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeEnvelope(w, http.StatusCreated, true, "", map[string]any{
			"message": map[string]any{
				"id": 999, "conversationId": "7_42", "senderId": 7, "receiverId": 42,
				"message": "Oi", "createdAt": "2024-05-01T10:00:00Z", "tempId": got.TempID,
			},
		})
	})

	msg, err := c.SendMessage(context.Background(), SendRequest{ReceiverID: "42", Message: "Oi", TempID: "l1", ConversationID: "7_42"})
	if err != nil {
		t.Fatal(err)
	}
	if auth != "Bearer tok" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.ReceiverID != "42" || got.Message != "Oi" || got.TempID != "l1" || got.ConversationID != "7_42" {
		t.Errorf("request body = %+v", got)
	}
	if msg.ID != "999" || msg.TempID != "l1" {
		t.Errorf("message = %+v", msg)
	}
}

func TestSendMessageRejected(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, false, "Destinatário inválido", nil)
	})

	_, err := c.SendMessage(context.Background(), SendRequest{ReceiverID: "0", Message: "Oi"})
	if !IsAPIError(err, 0) {
		t.Fatalf("got %v, want APIError", err)
	}
	if !IsAPIError(err, http.StatusOK) || IsAPIError(err, http.StatusNotFound) {
		t.Fatal("status matching broken")
	}
}

func TestNon2xxWithoutEnvelope(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})
	_, err := c.History(context.Background(), "42")
	if !IsAPIError(err, http.StatusBadGateway) {
		t.Fatalf("got %v, want 502 APIError", err)
	}
}

func TestListConversationsDefensive(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/conversations" {
			t.Errorf("path = %s", r.URL.Path)
		}
		writeEnvelope(w, http.StatusOK, true, "", []any{
			map[string]any{"id": "7_42", "contactId": 42, "name": "Lar Esperança", "avatar": "a.png", "lastMessage": "Oi", "unreadCount": 2},
			map[string]any{"conversationId": "7_43", "otherUser": map[string]any{"id": 43}},
			map[string]any{"id": "7_44", "otherUserId": "44", "name": "  ", "unreadCount": "x", "lastMessage": map[string]any{"message": "obj", "createdAt": "2024-05-01T10:00:00Z"}},
			"not an object",
			map[string]any{"id": "orphan"},
		})
	})

	convs, err := c.ListConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 3 {
		t.Fatalf("got %d conversations, want 3: %+v", len(convs), convs)
	}
	if convs[0].Name != "Lar Esperança" || convs[0].UnreadCount != 2 || convs[0].ContactID != "42" {
		t.Errorf("first = %+v", convs[0])
	}
	if convs[1].Name != DefaultName || convs[1].Avatar != DefaultAvatar || convs[1].UnreadCount != 0 || convs[1].ContactID != "43" {
		t.Errorf("second = %+v", convs[1])
	}
	if convs[2].Name != DefaultName || convs[2].UnreadCount != 0 || convs[2].LastMessage != "obj" || convs[2].LastMessageAt.IsZero() {
		t.Errorf("third = %+v", convs[2])
	}
}

func TestHistoryAcceptsWrappedList(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/42" {
			t.Errorf("path = %s", r.URL.Path)
		}
		writeEnvelope(w, http.StatusOK, true, "", map[string]any{
			"messages": []any{
				map[string]any{"id": 1, "senderId": 7, "receiverId": 42, "message": "Oi", "createdAt": "2024-05-01T10:00:00Z"},
				map[string]any{"id": 2, "senderId": 42, "receiverId": 7, "message": "Olá", "createdAt": "ontem"},
			},
		})
	})

	msgs, err := c.History(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "1" {
		t.Fatalf("got %+v, want the one well-formed message", msgs)
	}
}

func TestLogin(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		writeEnvelope(w, http.StatusOK, true, "", map[string]any{"token": "new", "user": map[string]any{"id": 7, "name": "Ana"}})
	})
	s, err := c.Login(context.Background(), "7")
	if err != nil {
		t.Fatal(err)
	}
	if s.Token != "new" || s.User.ID != "7" {
		t.Fatalf("session = %+v", s)
	}
}

func TestEditAndDelete(t *testing.T) {
	var calls []string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodPut {
			writeEnvelope(w, http.StatusOK, true, "", map[string]any{"message": map[string]any{"id": 5, "senderId": 7, "receiverId": 42, "message": "novo"}})
			return
		}
		writeEnvelope(w, http.StatusOK, true, "", nil)
	})

	m, err := c.EditMessage(context.Background(), "5", "novo")
	if err != nil || m.Message != "novo" {
		t.Fatalf("EditMessage = %+v, %v", m, err)
	}
	if err := c.DeleteMessage(context.Background(), "5"); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 || calls[0] != "PUT /messages/5" || calls[1] != "DELETE /messages/5" {
		t.Fatalf("calls = %v", calls)
	}
}
