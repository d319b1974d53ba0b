// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package status serves the feeder state over HTTP: a JSON snapshot
// endpoint, a websocket that pushes snapshots to connected frontends
// and the Prometheus scrape endpoint.
package status

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smumriak/ERCF-Software-V3/pkg/ercf"
	"github.com/smumriak/ERCF-Software-V3/pkg/log"
)

// Source provides status snapshots. *ercf.ERCF satisfies it.
type Source interface {
	Status() ercf.Status
}

// Server is the feeder's HTTP/websocket status server.
type Server struct {
	source Source
	addr   string
	log    *log.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	clientMu sync.Mutex
	clients  map[int64]*wsClient
	nextID   int64

	// Broadcast cadence; frontends get a push at least this often.
	interval time.Duration
	running  atomic.Bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewServer returns a status server listening on addr once started.
func NewServer(addr string, source Source) *Server {
	return &Server{
		source:   source,
		addr:     addr,
		log:      log.GetLogger("status"),
		clients:  make(map[int64]*wsClient),
		interval: time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start runs the server. It blocks until Stop or a listen error.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{Addr: s.addr, Handler: mux}
	s.running.Store(true)
	s.log.Info("status server listening on %s", s.addr)

	go s.broadcastLoop()
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down and disconnects all clients.
func (s *Server) Stop() error {
	s.running.Store(false)
	s.clientMu.Lock()
	for _, c := range s.clients {
		close(c.send)
	}
	s.clients = make(map[int64]*wsClient)
	s.clientMu.Unlock()
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source.Status()); err != nil {
		s.log.WithError(err).Warn("failed to encode status response")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 16)}

	s.clientMu.Lock()
	s.nextID++
	id := s.nextID
	s.clients[id] = client
	s.clientMu.Unlock()
	s.log.Debug("websocket client %d connected from %s", id, r.RemoteAddr)

	go s.writePump(id, client)

	// Push an immediate snapshot so the frontend renders without
	// waiting for the next broadcast tick
	s.pushSnapshot(id, client)

	// Read loop exists only to detect disconnects
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.dropClient(id)
}

// pushSnapshot sends one snapshot to a single client. The membership
// check under clientMu keeps it from racing a Stop that has already
// closed the client's send channel.
func (s *Server) pushSnapshot(id int64, c *wsClient) {
	data, err := json.Marshal(s.source.Status())
	if err != nil {
		return
	}
	s.clientMu.Lock()
	if _, ok := s.clients[id]; ok {
		select {
		case c.send <- data:
		default:
		}
	}
	s.clientMu.Unlock()
}

func (s *Server) writePump(id int64, c *wsClient) {
	defer c.conn.Close()
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.dropClient(id)
			return
		}
	}
}

func (s *Server) dropClient(id int64) {
	s.clientMu.Lock()
	if c, ok := s.clients[id]; ok {
		delete(s.clients, id)
		close(c.send)
	}
	s.clientMu.Unlock()
}

// broadcastLoop pushes periodic snapshots to every websocket client.
func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for range ticker.C {
		if !s.running.Load() {
			return
		}
		s.Broadcast()
	}
}

// Broadcast sends a snapshot to all connected clients immediately.
// Slow clients are skipped rather than blocked on.
func (s *Server) Broadcast() {
	data, err := json.Marshal(s.source.Status())
	if err != nil {
		s.log.WithError(err).Warn("failed to encode status broadcast")
		return
	}
	s.clientMu.Lock()
	for _, c := range s.clients {
		select {
		case c.send <- data:
		default:
		}
	}
	s.clientMu.Unlock()
}
