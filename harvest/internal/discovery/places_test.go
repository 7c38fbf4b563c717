package discovery

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

func TestGooglePlacesClient_Search(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "places-key", r.Header.Get("X-Goog-Api-Key"))
		assert.Equal(t, placesFieldMask, r.Header.Get("X-Goog-FieldMask"))

		var req searchTextRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "public library in Oakland", req.TextQuery)
		assert.Equal(t, 5, req.PageSize)

		_, _ = w.Write([]byte(`{"places":[
			{"displayName":{"text":"Oakland Main Library"},"websiteUri":"https://oaklandlibrary.org/",
			 "formattedAddress":"125 14th St, Oakland, CA","location":{"latitude":37.8019,"longitude":-122.2656}},
			{"displayName":{"text":"Mystery Venue"}}
		]}`))
	}))
	defer server.Close()

	client := NewGooglePlacesClient(server.URL, "places-key", 5*time.Second)
	places, err := client.Search(context.Background(), "public library in Oakland", 5)

	require.NoError(t, err)
	require.Len(t, places, 2)
	assert.Equal(t, Place{
		Name: "Oakland Main Library", Website: "https://oaklandlibrary.org/", Address: "125 14th St, Oakland, CA",
		Lat: 37.8019, Lng: -122.2656, HasLoc: true,
	}, places[0])
	assert.False(t, places[1].HasLoc)
	assert.Empty(t, places[1].Website)
}

func TestGooglePlacesClient_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"message":"API key not valid"}}`))
	}))
	defer server.Close()

	_, err := NewGooglePlacesClient(server.URL, "bad", time.Second).Search(context.Background(), "q", 1)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
