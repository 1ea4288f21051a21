package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/besafe/chat/internal/events"
)

// ErrNoMessage means a send succeeded but the response carried no message.
var ErrNoMessage = errors.New("api: response carried no message")

// ListConversations returns the signed-in user's conversations. Malformed
// items are skipped instead of failing the list.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/messages/conversations", nil)
	if err != nil {
		return nil, err
	}
	items, err := unwrapList(data, "conversations")
	if err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(items))
	for i, item := range items {
		conv, ok := decodeConversation(item)
		if !ok {
			c.logger.Warn("skipping malformed conversation", zap.Int("index", i))
			continue
		}
		out = append(out, conv)
	}
	return out, nil
}

// History returns the messages exchanged with a contact, oldest first.
func (c *Client) History(ctx context.Context, contactID string) ([]events.MessagePayload, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/messages/"+escape(contactID), nil)
	if err != nil {
		return nil, err
	}
	items, err := unwrapList(data, "messages")
	if err != nil {
		return nil, err
	}
	out := make([]events.MessagePayload, 0, len(items))
	for i, item := range items {
		var m events.MessagePayload
		if err := json.Unmarshal(item, &m); err != nil {
			c.logger.Warn("skipping malformed message", zap.Int("index", i), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// SendMessage posts a message through the request/response path and returns
// the stored message.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (events.MessagePayload, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/messages", req)
	if err != nil {
		return events.MessagePayload{}, err
	}
	return decodeMessage(data)
}

// EditMessage replaces the text of a stored message.
func (c *Client) EditMessage(ctx context.Context, messageID, text string) (events.MessagePayload, error) {
	data, err := c.doRequest(ctx, http.MethodPut, "/messages/"+escape(messageID), map[string]string{"message": text})
	if err != nil {
		return events.MessagePayload{}, err
	}
	return decodeMessage(data)
}

// DeleteMessage removes a stored message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/messages/"+escape(messageID), nil)
	return err
}

// Login exchanges a user id for a session token.
func (c *Client) Login(ctx context.Context, userID string) (Session, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/auth/login", map[string]string{"userId": userID})
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if s.Token == "" {
		return Session{}, errors.New("api: login returned no token")
	}
	return s, nil
}

// decodeMessage reads data.message, falling back to data itself.
func decodeMessage(data json.RawMessage) (events.MessagePayload, error) {
	var wrapped struct {
		Message *events.MessagePayload `json:"message"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Message != nil {
		return *wrapped.Message, nil
	}
	var m events.MessagePayload
	if err := json.Unmarshal(data, &m); err != nil || m.ID == "" {
		return events.MessagePayload{}, ErrNoMessage
	}
	return m, nil
}

// unwrapList accepts either a bare array or an object holding it under key.
func unwrapList(data json.RawMessage, key string) ([]json.RawMessage, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err == nil {
		return items, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	inner, ok := obj[key]
	if !ok {
		return nil, nil
	}
	if err := json.Unmarshal(inner, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return items, nil
}
