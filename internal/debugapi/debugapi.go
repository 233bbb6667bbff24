// Package debugapi mounts pose receiver diagnostics on the tsweb debug
// mux at /debug/. Routes are reachable only from localhost or a tailnet.
package debugapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/pose-receiver/internal/dispatch"
	"github.com/banshee-data/pose-receiver/internal/host"
	"github.com/banshee-data/pose-receiver/internal/httputil"
	"github.com/banshee-data/pose-receiver/internal/journal"
	"github.com/banshee-data/pose-receiver/internal/pose"
	"github.com/banshee-data/pose-receiver/internal/receiver"
	"github.com/banshee-data/pose-receiver/internal/version"
)

// ReceiverView is the receiver state the debug routes read.
type ReceiverView interface {
	State() receiver.State
	LocalAddr() net.Addr
	QueueLen() int
	QueueCap() int
	Stats() *receiver.PacketStats
}

// ProcessView is the supervisor state the debug routes read.
type ProcessView interface {
	Running() bool
	Attached() bool
	PID() int
}

// FrameView is the dispatcher state the debug routes read.
type FrameView interface {
	LastFrame() (pose.Frame, bool)
	Counters() dispatch.Counters
}

// Restarter restarts the companion process on the tick goroutine.
type Restarter interface {
	Restart(ctx context.Context) error
}

// EventLister returns recent journal events.
type EventLister interface {
	RecentEvents(limit int) ([]journal.EventRow, error)
}

// Sources wires the debug routes to the running components. Events may be
// nil when the journal is disabled.
type Sources struct {
	Receiver   ReceiverView
	Process    ProcessView
	Frames     FrameView
	History    *host.History
	Restarter  Restarter
	Events     EventLister
	ConfigPath string
}

// Handler serves the pose debug routes.
type Handler struct {
	src Sources
}

// New creates a Handler over src.
func New(src Sources) *Handler {
	return &Handler{src: src}
}

// Status is the JSON body of /debug/pose/status.
type Status struct {
	Version    string `json:"version"`
	ConfigPath string `json:"config_path,omitempty"`

	ReceiverState string `json:"receiver_state"`
	ListenAddr    string `json:"listen_addr,omitempty"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`

	ProcessRunning  bool `json:"process_running"`
	ProcessAttached bool `json:"process_attached"`
	ProcessPID      int  `json:"process_pid,omitempty"`

	Received   int64 `json:"received"`
	Filtered   int64 `json:"filtered"`
	Malformed  int64 `json:"malformed"`
	Evicted    int64 `json:"evicted"`
	ReadErrors int64 `json:"read_errors"`

	IntervalMeanMs   float64 `json:"interval_mean_ms"`
	IntervalStdDevMs float64 `json:"interval_stddev_ms"`

	Frames             int64 `json:"frames"`
	ImageFailures      int64 `json:"image_failures"`
	LastFrameLandmarks int   `json:"last_frame_landmarks"`
	LastFrameHasImage  bool  `json:"last_frame_has_image"`
}

// Status collects the current status.
func (h *Handler) Status() Status {
	s := Status{
		Version:    version.String(),
		ConfigPath: h.src.ConfigPath,
	}
	if r := h.src.Receiver; r != nil {
		s.ReceiverState = r.State().String()
		if addr := r.LocalAddr(); addr != nil {
			s.ListenAddr = addr.String()
		}
		s.QueueDepth = r.QueueLen()
		s.QueueCapacity = r.QueueCap()
		t := r.Stats().Totals()
		s.Received = t.Packets
		s.Filtered = t.Filtered
		s.Malformed = t.Malformed
		s.Evicted = t.Evicted
		s.ReadErrors = t.ReadErrors
		s.IntervalMeanMs = t.IntervalMeanMs
		s.IntervalStdDevMs = t.IntervalStdDevMs
	}
	if p := h.src.Process; p != nil {
		s.ProcessRunning = p.Running()
		s.ProcessAttached = p.Attached()
		s.ProcessPID = p.PID()
	}
	if f := h.src.Frames; f != nil {
		c := f.Counters()
		s.Frames = c.Frames
		s.ImageFailures = c.ImageFailures
		if frame, ok := f.LastFrame(); ok {
			s.LastFrameLandmarks = len(frame.Landmarks)
			s.LastFrameHasImage = frame.HasImage()
		}
	}
	return s
}

// AttachAdminRoutes registers the debug routes on mux.
func (h *Handler) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KV("Version", version.String())
	debug.KVFunc("Receiver", func() any {
		st := h.Status()
		return st.ReceiverState + " " + st.ListenAddr
	})
	debug.KVFunc("Queue depth", func() any {
		st := h.Status()
		return strconv.Itoa(st.QueueDepth) + "/" + strconv.Itoa(st.QueueCapacity)
	})
	debug.KVFunc("Companion PID", func() any { return h.Status().ProcessPID })

	debug.HandleFunc("pose/status", "Pose receiver status (JSON)", h.handleStatus)
	debug.HandleFunc("pose/rates", "Receive and dispatch rates per stats interval", h.handleRatesChart)
	debug.HandleFunc("pose/landmarks", "Landmarks of the latest frame", h.handleLandmarksChart)
	debug.HandleSilentFunc("pose/restart", h.handleRestart)
	if h.src.Events != nil {
		debug.HandleFunc("pose/events", "Recent companion process events (JSON)", h.handleEvents)
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, h.Status())
}

func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if h.src.Restarter == nil {
		httputil.ServiceUnavailable(w, "restart not available")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := h.src.Restarter.Restart(ctx); err != nil {
		httputil.ServiceUnavailable(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "restarted"})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			httputil.WriteJSONError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	events, err := h.src.Events.RecentEvents(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if events == nil {
		events = []journal.EventRow{}
	}
	httputil.WriteJSONOK(w, events)
}
