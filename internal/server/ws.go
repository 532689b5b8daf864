package server

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"markerengine/internal/types"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

var analyzeWSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type analyzeWSInbound struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	SchemaID string `json:"schema_id,omitempty"`
}

type analyzeWSOutbound struct {
	Type        string                 `json:"type"`
	SessionID   string                 `json:"session_id,omitempty"`
	NewMarkers  []types.DetectedMarker `json:"new_markers,omitempty"`
	MarkerCount int                    `json:"marker_count,omitempty"`
	TotalScore  float64                `json:"total_score,omitempty"`
	Code        string                 `json:"code,omitempty"`
	Message     string                 `json:"message,omitempty"`
}

// handleAnalyzeWS runs a realtime session: the client streams text
// chunks, the server re-analyzes the accumulated buffer and pushes only
// the markers that are new since the last update.
func (s *Server) handleAnalyzeWS(w http.ResponseWriter, r *http.Request) {
	schemaID := strings.TrimSpace(r.URL.Query().Get("schema_id"))

	conn, err := analyzeWSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		log.Printf("analyze ws set read deadline failed: %v", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	writeCh := make(chan analyzeWSOutbound, 32)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				// Flush anything already queued (e.g. close_ack).
				for {
					select {
					case out := <-writeCh:
						if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
							return
						}
						if err := conn.WriteJSON(out); err != nil {
							return
						}
					default:
						return
					}
				}
			case out := <-writeCh:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	sessionID := uuid.NewString()
	var buffer strings.Builder
	seen := map[string]int{}

	pushAnalyzeWS(ctx, writeCh, analyzeWSOutbound{Type: "session", SessionID: sessionID})

	for {
		var in analyzeWSInbound
		if err := conn.ReadJSON(&in); err != nil {
			cancel()
			<-writerDone
			return
		}
		switch strings.ToLower(strings.TrimSpace(in.Type)) {
		case "ping":
			pushAnalyzeWS(ctx, writeCh, analyzeWSOutbound{Type: "pong", SessionID: sessionID})
		case "chunk":
			if in.SchemaID != "" {
				schemaID = in.SchemaID
			}
			buffer.WriteString(in.Text)
			resp, err := s.engine.Analyze(ctx, types.AnalyzeRequest{
				Text:      buffer.String(),
				SchemaID:  schemaID,
				SessionID: sessionID,
			})
			if err != nil {
				pushAnalyzeWS(ctx, writeCh, analyzeWSOutbound{
					Type:      "error",
					SessionID: sessionID,
					Code:      "analyze_failed",
					Message:   err.Error(),
				})
				continue
			}
			pushAnalyzeWS(ctx, writeCh, analyzeWSOutbound{
				Type:        "markers",
				SessionID:   sessionID,
				NewMarkers:  diffMarkers(seen, resp.Markers),
				MarkerCount: resp.MarkerCount,
				TotalScore:  resp.TotalScore,
			})
		case "reset":
			buffer.Reset()
			seen = map[string]int{}
			pushAnalyzeWS(ctx, writeCh, analyzeWSOutbound{Type: "reset_ack", SessionID: sessionID})
		case "close":
			pushAnalyzeWS(ctx, writeCh, analyzeWSOutbound{Type: "close_ack", SessionID: sessionID})
			cancel()
			<-writerDone
			return
		default:
			pushAnalyzeWS(ctx, writeCh, analyzeWSOutbound{
				Type:      "error",
				SessionID: sessionID,
				Code:      "invalid_argument",
				Message:   "unsupported type: " + in.Type,
			})
		}
	}
}

// diffMarkers returns detections beyond the per-marker counts already
// delivered, and bumps the counts.
func diffMarkers(seen map[string]int, markers []types.DetectedMarker) []types.DetectedMarker {
	counts := map[string]int{}
	var fresh []types.DetectedMarker
	for i := range markers {
		id := markers[i].MarkerID
		counts[id]++
		if counts[id] > seen[id] {
			fresh = append(fresh, markers[i])
		}
	}
	for id, n := range counts {
		if n > seen[id] {
			seen[id] = n
		}
	}
	return fresh
}

// pushAnalyzeWS blocks until the writer accepts the event or the
// session ends. Updates are never dropped; backpressure is bounded by
// the writer's write deadline.
func pushAnalyzeWS(ctx context.Context, writeCh chan analyzeWSOutbound, out analyzeWSOutbound) {
	select {
	case writeCh <- out:
	case <-ctx.Done():
	}
}
