package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTextSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/internal/vision/extract-text", r.URL.Path)
		assert.Equal(t, "prescription-worker", r.Header.Get("X-Source"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		var req VisionOCRRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "base64", req.Format)
		assert.Equal(t, "kh", req.Language)
		assert.Equal(t, "aGVsbG8=", req.Image)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":{"text":"ល្ងាច","confidence":0.91,"modelUsed":"vision-x",
			"lines":[{"text":"ល្ងាច","confidence":0.91,"polygon":[[1,2],[30,2],[30,20],[1,20]]}]}}`))
	}))
	defer srv.Close()

	client := NewVisionClient(srv.URL, time.Second)
	data, err := client.ExtractTextFromBytes(context.Background(), []byte("hello"), "kh")
	require.NoError(t, err)
	assert.Equal(t, "ល្ងាច", data.Text)
	assert.Equal(t, "vision-x", data.ModelUsed)
	require.Len(t, data.Lines, 1)
	assert.Equal(t, [2]float64{30, 20}, data.Lines[0].Polygon[2])
}

func TestExtractTextAsyncPolling(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/internal/vision/extract-text", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"success":true,"data":{"taskId":"task-7"},"meta":{"estimatedDuration":"1s"}}`))
	})
	mux.HandleFunc("/api/tasks/task-7", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 2 {
			w.Write([]byte(`{"success":true,"data":{"task":{"id":"task-7","status":"processing","progress":50}}}`))
			return
		}
		w.Write([]byte(`{"success":true,"data":{"task":{"id":"task-7","status":"completed",
			"result":{"text":"Paracetamol 500mg","confidence":0.8}}}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewVisionClient(srv.URL, time.Second)
	client.SetPollInterval(5 * time.Millisecond)

	data, err := client.ExtractTextFromBytes(context.Background(), []byte("img"), "en")
	require.NoError(t, err)
	assert.Equal(t, "Paracetamol 500mg", data.Text)
	assert.Equal(t, 0.8, data.Confidence)
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestExtractTextFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `boom`},
		{"unsuccessful", http.StatusOK, `{"success":false,"message":"no model"}`},
		{"bad json", http.StatusOK, `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewVisionClient(srv.URL, time.Second).ExtractTextFromBytes(context.Background(), []byte("x"), "en")
			assert.Error(t, err)
		})
	}
}

func TestAsyncTaskFailedAndCancelled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tasks/bad", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"data":{"task":{"id":"bad","status":"failed","error":"model crashed"}}}`))
	})
	mux.HandleFunc("/api/tasks/slow", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"data":{"task":{"id":"slow","status":"pending"}}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewVisionClient(srv.URL, time.Second)
	client.SetPollInterval(5 * time.Millisecond)

	_, err := client.WaitForTaskCompletion(context.Background(), "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model crashed")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = client.WaitForTaskCompletion(ctx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHealthCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
	}))
	defer healthy.Close()
	assert.NoError(t, NewVisionClient(healthy.URL, time.Second).HealthCheck(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	assert.Error(t, NewVisionClient(down.URL, time.Second).HealthCheck(context.Background()))
}
