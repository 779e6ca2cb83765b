package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentile(t *testing.T) {
	lat := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, time.Duration(5), percentile(lat, 50))
	assert.Equal(t, time.Duration(9), percentile(lat, 90))
	assert.Equal(t, time.Duration(10), percentile(lat, 100))
	assert.Equal(t, time.Duration(1), percentile(lat, 0))
	assert.Zero(t, percentile(nil, 50))
}

func TestStatsRecordRequest(t *testing.T) {
	s := NewStats()
	s.RecordRequest(time.Millisecond, http.StatusOK, nil)
	s.RecordRequest(time.Millisecond, http.StatusTooManyRequests, nil)
	s.RecordRequest(0, 0, errors.New("refused"))

	assert.EqualValues(t, 3, s.totalRequests.Load())
	assert.EqualValues(t, 1, s.successCount.Load())
	assert.EqualValues(t, 2, s.errorCount.Load())
	assert.Len(t, s.latencies, 2)

	var buf bytes.Buffer
	assert.True(t, printReport(&buf, s, time.Second))
	assert.Contains(t, buf.String(), "429: 1")
	assert.False(t, printReport(&bytes.Buffer{}, NewStats(), time.Second))
}

func TestNewQueryRequest(t *testing.T) {
	cfg := Config{BaseURL: "http://gw", APIKey: "k", Mode: "query", Dim: 3, NResults: 2}
	req, err := newRequest(context.Background(), cfg, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/v1/query", req.URL.Path)
	assert.Equal(t, "k", req.Header.Get("X-API-Key"))

	var body struct {
		Embedding []float32 `json:"query_embedding"`
		NResults  int       `json:"n_results"`
	}
	require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
	assert.Len(t, body.Embedding, 3)
	assert.Equal(t, 2, body.NResults)
}
