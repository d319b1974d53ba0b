// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/smumriak/ERCF-Software-V3/pkg/ercf"
)

type fakeSource struct {
	status ercf.Status
}

func (f *fakeSource) Status() ercf.Status { return f.status }

func TestStatusEndpoint(t *testing.T) {
	src := &fakeSource{status: ercf.Status{Enabled: true, Tool: 2, Gate: 2}}
	s := NewServer(":0", src)

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	server := httptest.NewServer(mux)
	defer server.Close()

	resp, err := http.Get(server.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got ercf.Status
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Enabled || got.Tool != 2 {
		t.Errorf("Status = %+v, want enabled tool 2", got)
	}
}

func TestWebSocketPush(t *testing.T) {
	src := &fakeSource{status: ercf.Status{Enabled: true, Tool: 1}}
	s := NewServer(":0", src)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	server := httptest.NewServer(mux)
	defer server.Close()

	wsURL := "ws" + server.URL[4:] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The server pushes a snapshot on connect
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got ercf.Status
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Tool != 1 {
		t.Errorf("pushed Tool = %d, want 1", got.Tool)
	}

	// An explicit broadcast reaches the client too
	src.status.Tool = 3
	s.Broadcast()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, data, err = conn.ReadMessage(); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal broadcast: %v", err)
	}
	if got.Tool != 3 {
		t.Errorf("broadcast Tool = %d, want 3", got.Tool)
	}
}

func TestSnapshotPushAfterStop(t *testing.T) {
	src := &fakeSource{}
	s := NewServer(":0", src)

	c := &wsClient{send: make(chan []byte, 16)}
	s.clientMu.Lock()
	s.nextID++
	id := s.nextID
	s.clients[id] = c
	s.clientMu.Unlock()

	// Stop closes the client's send channel; a connect-time snapshot
	// racing it must notice the client is gone instead of panicking
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	s.pushSnapshot(id, c)
}

func TestRecorderRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	r.RecordMove(ercf.ModeGear, 85, 84.2)
	r.RecordSwap(1, true, 30*time.Second)
	r.RecordSelectorEvent("homed")
	r.RecordStateChange(ercf.StateLoaded)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"ercf_moves_total", "ercf_move_slip_mm", "ercf_tool_swaps_total", "ercf_selector_events_total", "ercf_transport_state"} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}
