package extractor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, "json_object", req.ResponseFormat["type"])
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Contains(t, req.Messages[0].Content, "Today is Sunday 2025-06-01.")
		assert.Equal(t, "Bearer model-key", r.Header.Get("Authorization"))

		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func newClient(endpoint string) *ChatClient {
	c := New(Config{Endpoint: endpoint, APIKey: "model-key", Model: "test-model", Timeout: 5 * time.Second}, nil)
	c.now = func() time.Time { return time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC) }
	return c
}

func TestExtract_EventsDocument(t *testing.T) {
	server := chatServer(t, http.StatusOK, `{"events":[
		{"title":"Baby Storytime","venue":"Main Library","start_iso":"2025-06-03T10:30","age_range":"babies","registration_required":"yes","registration_url":"https://lib.example.org/rsvp"},
		{"title":"Toddler Tunes","venue":"Park Branch","start_iso":"2025-06-04","registration_required":false}
	]}`)

	got, err := newClient(server.URL).Extract(context.Background(), "page text", "")

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Baby Storytime", got[0].Title)
	assert.Equal(t, "2025-06-03T10:30", got[0].StartISO)
	assert.True(t, bool(got[0].RegistrationRequired))
	assert.Equal(t, "https://lib.example.org/rsvp", got[0].RegistrationURL)
	assert.False(t, bool(got[1].RegistrationRequired))
}

func TestExtract_Variants(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{name: "empty events", content: `{"events":[]}`, want: 0},
		{name: "bare array", content: `[{"title":"Lapsit"}]`, want: 1},
		{name: "fenced", content: "```json\n{\"events\":[{\"title\":\"Lapsit\"}]}\n```", want: 1},
		{name: "malformed item skipped", content: `{"events":[{"title":"Ok"},{"title":"Bad","registration_required":[1]}]}`, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := chatServer(t, http.StatusOK, tt.content)
			got, err := newClient(server.URL).Extract(context.Background(), "text", DefaultProfile)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestExtract_Unparseable(t *testing.T) {
	for _, content := range []string{"Sorry, I cannot help with that.", `{"items":[]}`, `{"events":`} {
		t.Run(content, func(t *testing.T) {
			server := chatServer(t, http.StatusOK, content)
			_, err := newClient(server.URL).Extract(context.Background(), "text", DefaultProfile)
			assert.ErrorIs(t, err, ErrUnparseable)
		})
	}
}

func TestExtract_HTTPErrorIsNotUnparseable(t *testing.T) {
	server := chatServer(t, http.StatusServiceUnavailable, "")

	_, err := newClient(server.URL).Extract(context.Background(), "text", DefaultProfile)

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnparseable)
	assert.Contains(t, err.Error(), "503")
}

func TestExtract_UnknownProfile(t *testing.T) {
	_, err := newClient("http://127.0.0.1:0").Extract(context.Background(), "text", "teens")
	assert.ErrorIs(t, err, ErrUnknownProfile)
}

func TestProfiles(t *testing.T) {
	assert.Contains(t, Profiles(), DefaultProfile)
}
