package expo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishMessages(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/push/send", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var messages []Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&messages))
		tickets := make([]Ticket, len(messages))
		for i := range messages {
			tickets[i] = Ticket{Status: StatusOK, ID: messages[i].To}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"data": tickets})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret", 0)
	tickets, err := client.PublishMessages(context.Background(), []Message{
		{To: "ExponentPushToken[a]", Title: "hi"},
		{To: "ExponentPushToken[b]", Title: "hi"},
	})
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, StatusOK, tickets[0].Status)
	assert.Equal(t, "ExponentPushToken[a]", tickets[0].ID)
}

func TestPublishMessagesOverLimit(t *testing.T) {
	client := NewClient("http://localhost:0", "", 0)
	messages := make([]Message, SendLimit+1)
	_, err := client.PublishMessages(context.Background(), messages)
	require.Error(t, err)
}

func TestPublishMessagesTicketCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"data": []Ticket{}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 0)
	_, err := client.PublishMessages(context.Background(), []Message{{To: "ExponentPushToken[a]"}})
	require.Error(t, err)
}

func TestGetReceipts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/push/getReceipts", r.URL.Path)
		var req struct {
			IDs []string `json:"ids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		data := make(map[string]Receipt, len(req.IDs))
		for _, id := range req.IDs {
			data[id] = Receipt{Status: StatusOK}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 0)
	receipts, err := client.GetReceipts(context.Background(), []string{"t1", "t2"})
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, StatusOK, receipts["t1"].Status)
}

func TestGatewayErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"errors": []map[string]string{{
				"code":    "VALIDATION_ERROR",
				"message": `"ids" is required`,
			}},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 0)
	_, err := client.GetReceipts(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, IsNoItemsError(err), "expected the empty-ids validation error, got %v", err)
}

func TestIsNoItemsErrorOtherFailures(t *testing.T) {
	assert.False(t, IsNoItemsError(nil))
	assert.False(t, IsNoItemsError(context.DeadlineExceeded))
	assert.False(t, IsNoItemsError(&APIError{Code: "PUSH_TOO_MANY_EXPERIENCE_IDS"}))
}

func TestAPIErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"errors": []map[string]string{{"code": "UNAUTHORIZED", "message": "invalid access token"}},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "bad", 0)
	_, err := client.PublishMessages(context.Background(), []Message{{To: "ExponentPushToken[a]"}})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "gateway-level errors must not be retried")
}
