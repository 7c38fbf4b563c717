package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch_Direct(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events", r.URL.Path)
		assert.Equal(t, "sprout-test", r.Header.Get("User-Agent"))
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("Baby Storytime every Tuesday"))
	}))
	defer server.Close()

	f := New(Config{Timeout: 5 * time.Second, UserAgent: "sprout-test"})
	body, err := f.Fetch(context.Background(), server.URL+"/events")

	require.NoError(t, err)
	assert.Equal(t, "Baby Storytime every Tuesday", body)
}

func TestFetch_ReaderProxy(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, "Bearer reader-key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("# Events"))
	}))
	defer server.Close()

	f := New(Config{ReaderURL: server.URL + "/", APIKey: "reader-key", Timeout: 5 * time.Second})
	body, err := f.Fetch(context.Background(), "https://library.example.org/kids")

	require.NoError(t, err)
	assert.Equal(t, "# Events", body)
	assert.Equal(t, "/https://library.example.org/kids", gotPath)
}

func TestFetch_NonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := New(Config{Timeout: 5 * time.Second}).Fetch(context.Background(), server.URL)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.False(t, errors.Is(err, ErrTransport))
}

func TestFetch_TransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), url)

	assert.ErrorIs(t, err, ErrTransport)
	var statusErr *StatusError
	assert.False(t, errors.As(err, &statusErr))
}

func TestFetch_BodyCapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 100)))
	}))
	defer server.Close()

	body, err := New(Config{Timeout: 5 * time.Second, MaxBodyBytes: 10}).Fetch(context.Background(), server.URL)

	require.NoError(t, err)
	assert.Len(t, body, 10)
}
