package debugapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pose-receiver/internal/dispatch"
	"github.com/banshee-data/pose-receiver/internal/host"
	"github.com/banshee-data/pose-receiver/internal/journal"
	"github.com/banshee-data/pose-receiver/internal/pose"
	"github.com/banshee-data/pose-receiver/internal/receiver"
)

type fakeReceiver struct {
	stats *receiver.PacketStats
}

func (f *fakeReceiver) State() receiver.State        { return receiver.StateListening }
func (f *fakeReceiver) LocalAddr() net.Addr          { return &net.UDPAddr{IP: net.IPv4zero, Port: 5005} }
func (f *fakeReceiver) QueueLen() int                { return 3 }
func (f *fakeReceiver) QueueCap() int                { return 5 }
func (f *fakeReceiver) Stats() *receiver.PacketStats { return f.stats }

type fakeProcess struct{}

func (fakeProcess) Running() bool  { return true }
func (fakeProcess) Attached() bool { return true }
func (fakeProcess) PID() int       { return 4242 }

type fakeFrames struct {
	frame pose.Frame
	ok    bool
}

func (f fakeFrames) LastFrame() (pose.Frame, bool) { return f.frame, f.ok }
func (f fakeFrames) Counters() dispatch.Counters {
	return dispatch.Counters{Frames: 10, ImageFailures: 1}
}

type fakeRestarter struct {
	calls int
	err   error
}

func (f *fakeRestarter) Restart(context.Context) error {
	f.calls++
	return f.err
}

type fakeEvents struct{ limit int }

func (f *fakeEvents) RecentEvents(limit int) ([]journal.EventRow, error) {
	f.limit = limit
	return []journal.EventRow{{ID: 1, Kind: "spawned", PID: 7}}, nil
}

func fullFrame() pose.Frame {
	lms := make([]pose.Landmark, pose.NumLandmarks)
	for i := range lms {
		lms[i] = pose.Landmark{X: float32(i) / pose.NumLandmarks, Y: 0.5}
	}
	return pose.Frame{Landmarks: lms, Image: []byte{1}}
}

func newTestMux(t *testing.T, src Sources) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	New(src).AttachAdminRoutes(mux)
	return mux
}

// do issues a request from loopback, which the debug mux allows.
func do(mux *http.ServeMux, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:40000"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func testSources() Sources {
	stats := receiver.NewPacketStats()
	stats.AddPacket(100, time.Now())
	stats.AddFiltered()
	hist := host.NewHistory(10)
	hist.Add(host.Sample{At: time.Unix(0, 0), Received: 60, Dispatched: 58, Evicted: 2})
	return Sources{
		Receiver:   &fakeReceiver{stats: stats},
		Process:    fakeProcess{},
		Frames:     fakeFrames{frame: fullFrame(), ok: true},
		History:    hist,
		Restarter:  &fakeRestarter{},
		ConfigPath: "/assets/PoseLandmarkSender/config.json",
	}
}

func TestStatusEndpoint(t *testing.T) {
	mux := newTestMux(t, testSources())

	w := do(mux, http.MethodGet, "/debug/pose/status")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var st Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, "listening", st.ReceiverState)
	assert.Equal(t, "0.0.0.0:5005", st.ListenAddr)
	assert.Equal(t, 3, st.QueueDepth)
	assert.Equal(t, 5, st.QueueCapacity)
	assert.True(t, st.ProcessRunning)
	assert.True(t, st.ProcessAttached)
	assert.Equal(t, 4242, st.ProcessPID)
	assert.EqualValues(t, 1, st.Received)
	assert.EqualValues(t, 1, st.Filtered)
	assert.EqualValues(t, 10, st.Frames)
	assert.EqualValues(t, 1, st.ImageFailures)
	assert.Equal(t, pose.NumLandmarks, st.LastFrameLandmarks)
	assert.True(t, st.LastFrameHasImage)
	assert.NotEmpty(t, st.Version)
}

func TestStatus_NilSources(t *testing.T) {
	st := New(Sources{}).Status()
	assert.Empty(t, st.ReceiverState)
	assert.Zero(t, st.ProcessPID)
}

func TestDebugIndexShowsKV(t *testing.T) {
	mux := newTestMux(t, testSources())

	w := do(mux, http.MethodGet, "/debug/")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, want := range []string{"Companion PID", "4242", "Queue depth", "3/5", "pose/status"} {
		assert.Contains(t, body, want)
	}
}

func TestDebugRoutesRejectRemote(t *testing.T) {
	mux := newTestMux(t, testSources())

	req := httptest.NewRequest(http.MethodGet, "/debug/pose/status", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRestartEndpoint(t *testing.T) {
	src := testSources()
	restarter := &fakeRestarter{}
	src.Restarter = restarter
	mux := newTestMux(t, src)

	w := do(mux, http.MethodGet, "/debug/pose/restart")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Zero(t, restarter.calls)

	w = do(mux, http.MethodPost, "/debug/pose/restart")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, restarter.calls)

	restarter.err = errors.New("sender executable not found")
	w = do(mux, http.MethodPost, "/debug/pose/restart")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "sender executable not found")
}

func TestRestartEndpoint_Unavailable(t *testing.T) {
	src := testSources()
	src.Restarter = nil
	mux := newTestMux(t, src)

	w := do(mux, http.MethodPost, "/debug/pose/restart")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRatesChart(t *testing.T) {
	mux := newTestMux(t, testSources())

	w := do(mux, http.MethodGet, "/debug/pose/rates")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, w.Body.String(), "Pose Receiver Rates")
}

func TestLandmarksChart(t *testing.T) {
	mux := newTestMux(t, testSources())

	w := do(mux, http.MethodGet, "/debug/pose/landmarks")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "left_shoulder")

	src := testSources()
	src.Frames = fakeFrames{}
	mux = newTestMux(t, src)
	w = do(mux, http.MethodGet, "/debug/pose/landmarks")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventsEndpoint(t *testing.T) {
	src := testSources()
	events := &fakeEvents{}
	src.Events = events
	mux := newTestMux(t, src)

	w := do(mux, http.MethodGet, "/debug/pose/events?limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, events.limit)

	var rows []journal.EventRow
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "spawned", rows[0].Kind)

	w = do(mux, http.MethodGet, "/debug/pose/events?limit=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventsEndpoint_DisabledWithoutJournal(t *testing.T) {
	mux := newTestMux(t, testSources())
	w := do(mux, http.MethodGet, "/debug/pose/events")
	assert.NotEqual(t, http.StatusOK, w.Code)
}
