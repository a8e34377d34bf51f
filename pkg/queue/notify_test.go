package queue

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekerlab/seeker/pkg/models"
)

func TestNotifier_Deliver(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got.Store(string(body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier()
	n.Deliver(srv.URL, WebhookPayload{
		JobID:  "job_1_abcdef",
		Status: models.JobStatusSucceeded,
		Result: json.RawMessage(`{"reportId":5}`),
	})

	body, ok := got.Load().(string)
	require.True(t, ok, "webhook never delivered")

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal([]byte(body), &payload))
	assert.Equal(t, "job_1_abcdef", payload.JobID)
	assert.Equal(t, models.JobStatusSucceeded, payload.Status)
	assert.JSONEq(t, `{"reportId":5}`, string(payload.Result))
}

func TestNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	NewNotifier().Deliver(srv.URL, WebhookPayload{JobID: "job_2_abcdef", Status: models.JobStatusFailed})
	assert.Equal(t, int32(2), calls.Load())
}

func TestNotifier_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	NewNotifier().Deliver(srv.URL, WebhookPayload{JobID: "job_3_abcdef", Status: models.JobStatusCanceled})
	assert.Equal(t, int32(1), calls.Load())
}
