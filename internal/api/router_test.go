package api_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"framebufd/internal/api"
	"framebufd/internal/buffer"
	"framebufd/internal/config"
	"framebufd/internal/fetch"
	"framebufd/internal/logger"
	"framebufd/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	Playhead    int            `json:"playhead"`
	TotalFrames int            `json:"total_frames"`
	Ranges      []buffer.Range `json:"ranges"`
	InFlight    []buffer.Range `json:"in_flight"`
}

// newServer starts an upstream origin and the API in front of it.
func newServer(t *testing.T, fetchInterval time.Duration) *httptest.Server {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/broken/") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		fmt.Fprintf(w, "jpeg %s", strings.TrimPrefix(r.URL.Path, "/clip/"))
	}))
	t.Cleanup(origin.Close)

	cfg := config.Default()
	cfg.Playback.Lookahead = 10
	cfg.Playback.ChunkSize = 5
	cfg.Playback.FetchInterval = fetchInterval
	cfg.Sources = []config.Source{
		{ID: "clip", Name: "Clip", URL: origin.URL + "/clip/$Frame$", FrameCount: 10},
		{ID: "broken", Name: "Broken", URL: origin.URL + "/broken/$Frame$", FrameCount: 10},
	}

	client := fetch.NewClient(logger.Nop(), "test-agent", time.Second, 0)
	client.RetryDelay = time.Millisecond
	mgr := session.NewManager(logger.Nop(), cfg, client)
	t.Cleanup(mgr.Stop)

	server := httptest.NewServer(api.New(mgr, logger.Nop()))
	t.Cleanup(server.Close)
	return server
}

func do(t *testing.T, method, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func getSnapshot(t *testing.T, server *httptest.Server, source string) snapshot {
	t.Helper()
	resp, body := do(t, http.MethodGet, server.URL+"/sources/"+source+"/buffer")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	return snap
}

func TestAPI_HandleFrame(t *testing.T) {
	server := newServer(t, time.Hour)

	t.Run("Frame Found", func(t *testing.T) {
		resp, body := do(t, http.MethodGet, server.URL+"/sources/clip/frames/3")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
		assert.Equal(t, "jpeg 3", string(body))
	})

	t.Run("Unknown Source", func(t *testing.T) {
		resp, _ := do(t, http.MethodGet, server.URL+"/sources/nope/frames/3")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("Out Of Range", func(t *testing.T) {
		resp, _ := do(t, http.MethodGet, server.URL+"/sources/clip/frames/10")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("Bad Frame Number", func(t *testing.T) {
		resp, _ := do(t, http.MethodGet, server.URL+"/sources/clip/frames/abc")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Upstream Failure", func(t *testing.T) {
		resp, _ := do(t, http.MethodGet, server.URL+"/sources/broken/frames/1")
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})
}

func TestAPI_BufferSeekAndReset(t *testing.T) {
	server := newServer(t, time.Hour)

	do(t, http.MethodGet, server.URL+"/sources/clip/frames/2")
	do(t, http.MethodGet, server.URL+"/sources/clip/frames/3")

	snap := getSnapshot(t, server, "clip")
	assert.Equal(t, []buffer.Range{buffer.MustRange(2, 3)}, snap.Ranges)
	assert.Equal(t, 2, snap.TotalFrames)
	assert.Equal(t, 3, snap.Playhead)

	resp, _ := do(t, http.MethodPost, server.URL+"/sources/clip/seek/7")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 7, getSnapshot(t, server, "clip").Playhead)

	resp, _ = do(t, http.MethodDelete, server.URL+"/sources/clip/buffer")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	snap = getSnapshot(t, server, "clip")
	assert.Empty(t, snap.Ranges)
	assert.Zero(t, snap.TotalFrames)

	resp, _ = do(t, http.MethodPost, server.URL+"/sources/clip/seek/x")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_LookaheadFillsBuffer(t *testing.T) {
	server := newServer(t, 10*time.Millisecond)

	// The first request creates the session and starts buffering from the playhead.
	getSnapshot(t, server, "clip")

	require.Eventually(t, func() bool {
		snap := getSnapshot(t, server, "clip")
		return snap.TotalFrames == 10 && len(snap.InFlight) == 0
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, []buffer.Range{buffer.MustRange(0, 9)}, getSnapshot(t, server, "clip").Ranges)
}

func TestAPI_Metrics(t *testing.T) {
	server := newServer(t, time.Hour)
	do(t, http.MethodGet, server.URL+"/sources/clip/frames/1")

	resp, body := do(t, http.MethodGet, server.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "framebufd_cache_misses_total")
	assert.Contains(t, string(body), `framebufd_frames_buffered{source="clip"}`)
}
