// Package aria2test provides a fake aria2 WebSocket RPC server for tests.
package aria2test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"feedloom/internal/config"
)

// Status is the scripted state of one GID.
type Status struct {
	Status       string
	FollowedBy   []string
	Following    string
	Files        []string
	ErrorMessage string
}

// Server speaks enough of the aria2 RPC for adapter tests. Like aria2, it
// confirms pause and unpause with onDownloadPause and onDownloadStart unless
// told otherwise.
type Server struct {
	secret string
	srv    *httptest.Server

	mu          sync.Mutex
	conn        *websocket.Conn
	writeMu     sync.Mutex
	nextGID     int
	statuses    map[string]*Status
	calls       []string
	addOpts     []map[string]any
	connections int
	dropAfter   int
	silent      bool
	accepted    chan struct{}
}

// New starts a server that requires secret when it is not empty.
func New(t testing.TB, secret string) *Server {
	s := &Server{secret: secret, statuses: make(map[string]*Status), accepted: make(chan struct{}, 64)}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.connections++
		drop := s.dropAfter > 0
		if drop {
			s.dropAfter--
		}
		s.mu.Unlock()
		select {
		case s.accepted <- struct{}{}:
		default:
		}
		s.serve(conn, drop)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the WebSocket RPC endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/jsonrpc"
}

// Configure points cfg at the server with short reconnect and request timeouts.
func (s *Server) Configure(cfg *config.Config) {
	cfg.Aria2.URL = s.URL()
	cfg.Aria2.Secret = s.secret
	cfg.Aria2.ReconnectIntervalSeconds = 1
	cfg.Aria2.RequestTimeoutSeconds = 2
}

// Accepted receives once per accepted connection.
func (s *Server) Accepted() <-chan struct{} { return s.accepted }

// Connections returns how many connections the server accepted.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// DropAfterHandshake makes the next n connections close right after
// answering aria2.getVersion.
func (s *Server) DropAfterHandshake(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropAfter = n
}

// Silent stops the server from confirming pause and unpause.
func (s *Server) Silent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// AddOptions returns the options of every aria2.addUri call.
func (s *Server) AddOptions() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.addOpts...)
}

// Calls returns the methods received, in order.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Set replaces the status of gid.
func (s *Server) Set(gid string, st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[gid] = &st
}

// Notify sends a notification for gid on the current connection.
func (s *Server) Notify(method, gid string) {
	s.write(s.current(), map[string]any{"jsonrpc": "2.0", "method": method, "params": []map[string]string{{"gid": gid}}})
}

// Raw sends frame verbatim on the current connection.
func (s *Server) Raw(frame string) {
	conn := s.current()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// Drop closes the current connection.
func (s *Server) Drop() {
	_ = s.current().Close()
}

func (s *Server) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Server) serve(conn *websocket.Conn, dropAfterVersion bool) {
	for {
		var req struct {
			ID     string            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		params := req.Params
		if s.secret != "" {
			var token string
			if len(params) == 0 || json.Unmarshal(params[0], &token) != nil || token != "token:"+s.secret {
				s.reply(conn, req.ID, nil, map[string]any{"code": 1, "message": "Unauthorized"})
				continue
			}
			params = params[1:]
		}
		s.mu.Lock()
		s.calls = append(s.calls, req.Method)
		s.mu.Unlock()

		switch req.Method {
		case "aria2.getVersion":
			s.reply(conn, req.ID, map[string]any{"version": "1.37.0"}, nil)
			if dropAfterVersion {
				_ = conn.Close()
				return
			}
		case "aria2.addUri":
			var opts map[string]any
			if len(params) > 1 {
				_ = json.Unmarshal(params[1], &opts)
			}
			s.mu.Lock()
			s.nextGID++
			gid := fmt.Sprintf("g%d", s.nextGID)
			s.statuses[gid] = &Status{Status: "active"}
			s.addOpts = append(s.addOpts, opts)
			s.mu.Unlock()
			s.reply(conn, req.ID, gid, nil)
		case "aria2.tellStatus", "aria2.pause", "aria2.unpause", "aria2.remove":
			s.gidCall(conn, req.ID, req.Method, params)
		default:
			s.reply(conn, req.ID, nil, map[string]any{"code": 1, "message": "unknown method"})
		}
	}
}

func (s *Server) gidCall(conn *websocket.Conn, id, method string, params []json.RawMessage) {
	var gid string
	if len(params) > 0 {
		_ = json.Unmarshal(params[0], &gid)
	}
	s.mu.Lock()
	st, ok := s.statuses[gid]
	if !ok {
		s.mu.Unlock()
		s.reply(conn, id, nil, map[string]any{"code": 1, "message": "GID " + gid + " is not found"})
		return
	}
	confirm := ""
	switch method {
	case "aria2.pause":
		st.Status = "paused"
		confirm = "aria2.onDownloadPause"
	case "aria2.unpause":
		st.Status = "active"
		confirm = "aria2.onDownloadStart"
	case "aria2.remove":
		st.Status = "removed"
	}
	if s.silent {
		confirm = ""
	}
	result := map[string]any{
		"gid":             gid,
		"status":          st.Status,
		"totalLength":     "100",
		"completedLength": "25",
		"downloadSpeed":   "10",
		"followedBy":      st.FollowedBy,
		"following":       st.Following,
		"errorMessage":    st.ErrorMessage,
	}
	var files []map[string]string
	for _, p := range st.Files {
		files = append(files, map[string]string{"path": p, "selected": "true"})
	}
	result["files"] = files
	s.mu.Unlock()

	if method == "aria2.tellStatus" {
		s.reply(conn, id, result, nil)
		return
	}
	s.reply(conn, id, gid, nil)
	if confirm != "" {
		s.write(conn, map[string]any{"jsonrpc": "2.0", "method": confirm, "params": []map[string]string{{"gid": gid}}})
	}
}

func (s *Server) reply(conn *websocket.Conn, id string, result any, rpcErr any) {
	msg := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		msg["error"] = rpcErr
	} else {
		msg["result"] = result
	}
	s.write(conn, msg)
}

func (s *Server) write(conn *websocket.Conn, msg any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.WriteJSON(msg)
}
