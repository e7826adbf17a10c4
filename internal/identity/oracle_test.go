package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedOracle returns a fixed result and counts calls.
type scriptedOracle struct {
	name  string
	match *Match
	err   error
	calls int
}

func (s *scriptedOracle) Name() string { return s.name }

func (s *scriptedOracle) Identify(_ context.Context, _ Sample) (*Match, error) {
	s.calls++
	return s.match, s.err
}

func TestChainFirstMatchWins(t *testing.T) {
	face := &scriptedOracle{name: "face", match: &Match{WorkerID: "w-001", Confidence: 0.9}}
	badge := &scriptedOracle{name: "badge", match: &Match{WorkerID: "w-002", Confidence: 1.0}}
	chain := NewChain(zap.NewNop(), face, badge)

	match, err := chain.Identify(context.Background(), Sample{})
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "w-001", match.WorkerID)
	assert.Equal(t, 1, face.calls)
	assert.Equal(t, 0, badge.calls, "badge oracle is not consulted after a face match")
}

func TestChainFallsThroughOnErrorAndMiss(t *testing.T) {
	tests := []struct {
		name      string
		face      *scriptedOracle
		badge     *scriptedOracle
		wantMatch string
		wantErr   bool
	}{
		{
			name:      "face error, badge match",
			face:      &scriptedOracle{name: "face", err: errors.New("timeout")},
			badge:     &scriptedOracle{name: "badge", match: &Match{WorkerID: "w-002", Confidence: 1.0}},
			wantMatch: "w-002",
		},
		{
			name:      "face miss, badge match",
			face:      &scriptedOracle{name: "face"},
			badge:     &scriptedOracle{name: "badge", match: &Match{WorkerID: "w-002", Confidence: 1.0}},
			wantMatch: "w-002",
		},
		{
			name:  "both miss",
			face:  &scriptedOracle{name: "face"},
			badge: &scriptedOracle{name: "badge"},
		},
		{
			name:    "face error, badge miss",
			face:    &scriptedOracle{name: "face", err: errors.New("timeout")},
			badge:   &scriptedOracle{name: "badge"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := NewChain(zap.NewNop(), tt.face, tt.badge)
			match, err := chain.Identify(context.Background(), Sample{})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantMatch == "" {
				assert.Nil(t, match)
				return
			}
			require.NotNil(t, match)
			assert.Equal(t, tt.wantMatch, match.WorkerID)
		})
	}
}

func TestHTTPOracleIdentify(t *testing.T) {
	var gotSample Sample
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/identify", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotSample))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(identifyResponse{Matched: true, WorkerID: "w-100", Confidence: 0.87})
	}))
	defer server.Close()

	oracle := NewFaceOracle(server.URL, 2*time.Second, zap.NewNop())
	match, err := oracle.Identify(context.Background(), Sample{
		CameraID: "cam-01",
		TrackID:  7,
		CropB64:  "aGVhZA==",
	})
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "w-100", match.WorkerID)
	assert.InDelta(t, 0.87, match.Confidence, 1e-9)

	assert.Equal(t, "cam-01", gotSample.CameraID)
	assert.Equal(t, uint64(7), gotSample.TrackID)
	assert.Equal(t, "aGVhZA==", gotSample.CropB64)
}

func TestHTTPOracleNoMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(identifyResponse{Matched: false})
	}))
	defer server.Close()

	oracle := NewBadgeOracle(server.URL, 2*time.Second, zap.NewNop())
	match, err := oracle.Identify(context.Background(), Sample{CameraID: "cam-01", TrackID: 8})
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestHTTPOracleServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	oracle := NewFaceOracle(server.URL, 2*time.Second, zap.NewNop())
	match, err := oracle.Identify(context.Background(), Sample{CameraID: "cam-01", TrackID: 9})
	assert.Error(t, err)
	assert.Nil(t, match)
}
