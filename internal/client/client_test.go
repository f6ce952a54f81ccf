package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/activitylog/internal/domain"
	"example.com/activitylog/pkg/activityapi"
)

func TestCreateEventSendsIdempotencyKeyAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/activity", r.URL.Path)
		require.Equal(t, "item-1", r.Header.Get(activityapi.IdempotencyKeyHeader))
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req activityapi.CreateEventRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(activityapi.EventResponse{Data: activityapi.Event{ID: "e1", EventType: req.EventType}})
	}))
	defer srv.Close()

	resp, err := New(srv.URL+"/", "tok").CreateEvent(context.Background(), "item-1", activityapi.CreateEventRequest{EventType: "task.completed"})
	require.NoError(t, err)
	require.Equal(t, "e1", resp.Data.ID)
	require.Equal(t, "task.completed", resp.Data.EventType)
}

func TestCreateEventClassifiesFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   any
		check  func(t *testing.T, err error)
	}{
		{"conflict", http.StatusConflict, nil, func(t *testing.T, err error) {
			var conflict *domain.ConflictError
			require.ErrorAs(t, err, &conflict)
			require.Equal(t, "item-1", conflict.IdempotencyKey)
		}},
		{"validation", http.StatusBadRequest, activityapi.ErrorResponse{Type: activityapi.ErrorValidation, Detail: "entity_id is required", Field: "entity_id"}, func(t *testing.T, err error) {
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, "entity_id", verr.Field)
		}},
		{"forbidden", http.StatusForbidden, nil, func(t *testing.T, err error) {
			require.True(t, domain.IsValidation(err))
		}},
		{"rate limited", http.StatusTooManyRequests, nil, func(t *testing.T, err error) {
			require.True(t, domain.IsTransient(err))
		}},
		{"server error", http.StatusBadGateway, nil, func(t *testing.T, err error) {
			require.True(t, domain.IsTransient(err))
			require.ErrorContains(t, err, "502")
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				if tc.body != nil {
					_ = json.NewEncoder(w).Encode(tc.body)
				}
			}))
			defer srv.Close()

			_, err := New(srv.URL, "").CreateEvent(context.Background(), "item-1", activityapi.CreateEventRequest{})
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestCreateEventNetworkAndTimeoutAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(srv.URL, "").CreateEvent(ctx, "k", activityapi.CreateEventRequest{})
	require.True(t, domain.IsTransient(err), err)

	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()
	_, err = New(url, "").CreateEvent(context.Background(), "k", activityapi.CreateEventRequest{})
	require.True(t, domain.IsTransient(err), err)
}

func TestCreateEventCancelledIsNotTransient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		<-r.Context().Done()
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").CreateEvent(ctx, "k", activityapi.CreateEventRequest{})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, domain.IsTransient(err))
}

func TestPing(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/healthz", r.URL.Path)
		_, _ = w.Write([]byte("ok"))
	}))
	defer healthy.Close()
	require.NoError(t, New(healthy.URL, "").Ping(context.Background()))

	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer sick.Close()
	require.True(t, domain.IsTransient(New(sick.URL, "").Ping(context.Background())))
}
