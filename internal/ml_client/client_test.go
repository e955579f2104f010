package ml_client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClassify(t *testing.T) {
	var gotConf string
	var gotFile []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/classify", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotConf = r.FormValue("conf")
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		gotFile, _ = io.ReadAll(f)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"detections":[
			{"class":"locked","confidence":0.81,"x":10,"y":20,"width":30,"height":40},
			{"class":"unlocked","confidence":0.93,"x":50,"y":60,"width":70,"height":80}
		]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", time.Second)
	preds, err := client.Classify(context.Background(), []byte("imagebytes"), 0.5)
	require.NoError(t, err)

	assert.Equal(t, "0.5", gotConf)
	assert.Equal(t, []byte("imagebytes"), gotFile)
	require.Len(t, preds, 2)
	assert.Equal(t, Prediction{Class: "unlocked", Confidence: 0.93, X: 50, Y: 60, Width: 70, Height: 80}, preds[1])
}

func TestClassify_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	_, err := client.Classify(context.Background(), []byte("x"), 0.5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer bad.Close()

	_, err = NewClient(bad.URL, time.Second).Classify(context.Background(), []byte("x"), 0.5)
	assert.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy","model_loaded":true}`))
	}))
	defer srv.Close()

	health, err := NewClient(srv.URL, 0).HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.ModelLoaded)
}

func TestBreakerClient_OpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewBreakerClient(NewClient(srv.URL, time.Second), 2, time.Minute, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := client.Classify(context.Background(), []byte("img"), 0.5)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, "open", client.State())

	_, err := client.Classify(context.Background(), []byte("img"), 0.5)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}
