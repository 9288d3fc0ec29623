package capability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testPayload() RegisterPayload {
	return RegisterPayload{
		CapabilityID: "cap.summarize",
		Version:      "1.0.0",
		AgentType:    AgentTypeAI,
		Kind:         KindExecution,
		Summary:      "Summarizes source text.",
		InputFacets:  []string{"sourceText"},
		OutputFacets: []string{"summary"},
	}
}

func noSleep(a *Announcer) {
	a.sleep = func(context.Context, time.Duration) error { return nil }
}

func TestAnnounceSucceeds(t *testing.T) {
	var got RegisterPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	a, err := NewAnnouncer(srv.Client(), srv.URL, 1)
	require.NoError(t, err)
	require.NoError(t, a.Announce(context.Background(), testPayload()))
	require.Equal(t, "cap.summarize", got.CapabilityID)
}

func TestAnnounceRetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, err := NewAnnouncer(srv.Client(), srv.URL, 3)
	require.NoError(t, err)
	noSleep(a)
	require.NoError(t, a.Announce(context.Background(), testPayload()))
	require.Equal(t, 3, calls)
}

func TestAnnounceStopsOnClientError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "unknown facet", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	a, err := NewAnnouncer(srv.Client(), srv.URL, 3)
	require.NoError(t, err)
	noSleep(a)
	err = a.Announce(context.Background(), testPayload())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown facet")
	require.Equal(t, 1, calls)
}

func TestAnnounceGivesUpAfterRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a, err := NewAnnouncer(srv.Client(), srv.URL, 2)
	require.NoError(t, err)
	noSleep(a)
	err = a.Announce(context.Background(), testPayload())
	require.Error(t, err)
	require.Contains(t, err.Error(), "after 2 attempts")
	require.Equal(t, 2, calls)
}

func TestNewAnnouncerRequiresURL(t *testing.T) {
	_, err := NewAnnouncer(nil, "", 0)
	require.Error(t, err)
}
