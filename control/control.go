// Package control implements veilclient's control surface: a small
// HTTP API served over a UNIX socket, exposing read-only diagnostics
// for local tooling (a CLI, a status bar widget) to poll.
//
// Grounded on the teacher's daemon/control/server.go ControlServer: an
// http.ServeMux wired to a UNIX-socket net.Listener via
// http.Serve(listener, mux), JSON-encoded responses, and op/go-logging
// for handler-level error reporting. The pairing/enclave-routing
// handlers that server existed for have no role here; only the
// listen-and-serve shape and the /version handler are carried over.
package control

import (
	"encoding/json"
	"net"
	"net/http"
	"os"

	"github.com/veilmesh/veilclient/dispatch"
	"github.com/veilmesh/veilclient/internal/stats"
	"github.com/veilmesh/veilclient/internal/vlog"
	"github.com/veilmesh/veilclient/session"
)

var log = vlog.New("control")

// Version is overridden at link time (-ldflags -X), the same convention
// the teacher used for kr.CURRENT_VERSION.
var Version = "dev"

// Server serves /conninfo, /stats, and /version over a UNIX socket,
// mirroring ControlServer's HandleControlHTTP shape.
type Server struct {
	state *session.StateCell
	stats *stats.Registry
	queue *dispatch.Queue
}

// New builds a Server reading live state from state and stats, and
// live queue depth from queue.
func New(state *session.StateCell, reg *stats.Registry, queue *dispatch.Queue) *Server {
	return &Server{state: state, stats: reg, queue: queue}
}

// Listen removes any stale socket file at path (mirroring the
// teacher's common/socket.Listen: "delete UNIX socket in case daemon
// was not killed cleanly") and binds a UNIX socket listener there.
func Listen(path string) (net.Listener, error) {
	_ = os.Remove(path)
	return net.Listen("unix", path)
}

// Serve blocks serving the control API on listener until it is closed.
func (s *Server) Serve(listener net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/conninfo", s.handleConnInfo)
	mux.HandleFunc("/stats", s.handleStats)
	return http.Serve(listener, mux)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(Version))
}

// connInfoResponse is the wire shape of /conninfo, matching
// ConnectionState's fields (spec §3).
type connInfoResponse struct {
	Status   string `json:"status"`
	Protocol string `json:"protocol,omitempty"`
	Bridge   string `json:"bridge,omitempty"`
	Exit     string `json:"exit,omitempty"`
}

func (s *Server) handleConnInfo(w http.ResponseWriter, r *http.Request) {
	cs := s.state.Get()
	resp := connInfoResponse{Status: cs.Status.String()}
	if cs.Status == session.StatusConnected {
		resp.Protocol = cs.Protocol
		resp.Bridge = cs.Bridge
		resp.Exit = cs.Exit
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Errorf("encoding /conninfo response: %v", err)
	}
}

type statsResponse struct {
	Counters    map[string]int64   `json:"counters"`
	Gauges      map[string]float64 `json:"gauges"`
	QueueLength int                `json:"queue_length"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counters, gauges := s.stats.Snapshot()
	resp := statsResponse{Counters: counters, Gauges: gauges, QueueLength: s.queue.Len()}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Errorf("encoding /stats response: %v", err)
	}
}
