package gatewaysim

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"runtime"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// Metrics counts server activity for /status and /metrics.
type Metrics struct {
	ConnectionsTotal atomic.Int64
	HandshakeRejects atomic.Int64
	RPCTotal         atomic.Int64
	RPCErrors        atomic.Int64
	RateLimited      atomic.Int64
	EventsSent       atomic.Int64
	EventsDropped    atomic.Int64
}

// StatusResponse is the JSON body returned by GET /status.
type StatusResponse struct {
	UptimeSeconds int64          `json:"uptime_seconds"`
	RequireAuth   bool           `json:"require_auth"`
	Clients       []ClientStatus `json:"clients"`
	Methods       []string       `json:"methods"`
	Counters      CounterStatus  `json:"counters"`
}

// ClientStatus describes one connected client.
type ClientStatus struct {
	ConnID        string `json:"conn_id"`
	Name          string `json:"name"`
	Authenticated bool   `json:"authenticated"`
}

// CounterStatus is a snapshot of Metrics.
type CounterStatus struct {
	ConnectionsTotal int64 `json:"connections_total"`
	HandshakeRejects int64 `json:"handshake_rejects"`
	RPCTotal         int64 `json:"rpc_total"`
	RPCErrors        int64 `json:"rpc_errors"`
	RateLimited      int64 `json:"rate_limited"`
	EventsSent       int64 `json:"events_sent"`
	EventsDropped    int64 `json:"events_dropped"`
}

// Metrics returns the live counters.
func (s *Server) Metrics() *Metrics { return &s.metrics }

// Status returns a point-in-time view of the server.
func (s *Server) Status() StatusResponse {
	var clients []ClientStatus
	s.clients.Range(func(_, value any) bool {
		if info := value.(*clientConn).client(); info != nil {
			clients = append(clients, ClientStatus{
				ConnID:        info.ConnID,
				Name:          info.Name,
				Authenticated: info.Authenticated,
			})
		}
		return true
	})
	slices.SortFunc(clients, func(a, b ClientStatus) int { return strings.Compare(a.ConnID, b.ConnID) })

	s.handlersMu.RLock()
	methods := slices.Sorted(maps.Keys(s.handlers))
	s.handlersMu.RUnlock()

	m := &s.metrics
	return StatusResponse{
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		RequireAuth:   s.cfg.RequireAuth,
		Clients:       clients,
		Methods:       methods,
		Counters: CounterStatus{
			ConnectionsTotal: m.ConnectionsTotal.Load(),
			HandshakeRejects: m.HandshakeRejects.Load(),
			RPCTotal:         m.RPCTotal.Load(),
			RPCErrors:        m.RPCErrors.Load(),
			RateLimited:      m.RateLimited.Load(),
			EventsSent:       m.EventsSent.Load(),
			EventsDropped:    m.EventsDropped.Load(),
		},
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.logger.Warn("encode status", "error", err)
	}
}

// handleMetrics writes the counters in Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	st := s.Status()
	c := st.Counters
	metric(w, "agentgw_sim_clients", "gauge", "Connected clients.", int64(len(st.Clients)))
	metric(w, "agentgw_sim_connections_total", "counter", "Completed handshakes.", c.ConnectionsTotal)
	metric(w, "agentgw_sim_handshake_rejects_total", "counter", "Rejected handshakes.", c.HandshakeRejects)
	metric(w, "agentgw_sim_rpc_total", "counter", "RPC responses sent.", c.RPCTotal)
	metric(w, "agentgw_sim_rpc_errors_total", "counter", "RPC error responses sent.", c.RPCErrors)
	metric(w, "agentgw_sim_rate_limited_total", "counter", "Requests refused by the rate limiter.", c.RateLimited)
	metric(w, "agentgw_sim_events_sent_total", "counter", "Push events queued to clients.", c.EventsSent)
	metric(w, "agentgw_sim_events_dropped_total", "counter", "Push events dropped for slow clients.", c.EventsDropped)
	metric(w, "agentgw_sim_uptime_seconds", "gauge", "Seconds since the server started.", st.UptimeSeconds)
	metric(w, "go_goroutines", "gauge", "Number of goroutines.", int64(runtime.NumGoroutine()))
}

func metric(w http.ResponseWriter, name, kind, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %d\n", name, v)
}
