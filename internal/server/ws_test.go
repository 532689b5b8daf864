package server

import (
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws/analyze"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) analyzeWSOutbound {
	t.Helper()
	var out analyzeWSOutbound
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read: %v", err)
	}
	return out
}

func TestAnalyzeWSIncremental(t *testing.T) {
	srv := testServer(t)
	conn := dialWS(t, srv.URL)

	hello := readWS(t, conn)
	if hello.Type != "session" || hello.SessionID == "" {
		t.Fatalf("expected session message, got %+v", hello)
	}

	if err := conn.WriteJSON(analyzeWSInbound{Type: "chunk", Text: "hallo "}); err != nil {
		t.Fatalf("write: %v", err)
	}
	first := readWS(t, conn)
	if first.Type != "markers" || len(first.NewMarkers) != 1 || first.NewMarkers[0].MarkerID != "A_ONE" {
		t.Fatalf("expected A_ONE on first chunk, got %+v", first)
	}

	if err := conn.WriteJSON(analyzeWSInbound{Type: "chunk", Text: "und danke"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	second := readWS(t, conn)
	if second.Type != "markers" {
		t.Fatalf("expected markers message, got %+v", second)
	}
	// A_ONE was already delivered; only the additions arrive.
	ids := map[string]bool{}
	for _, m := range second.NewMarkers {
		ids[m.MarkerID] = true
	}
	if ids["A_ONE"] || !ids["A_TWO"] || !ids["C_BOTH"] {
		t.Fatalf("incremental diff wrong: %+v", second.NewMarkers)
	}
	if second.MarkerCount != 3 {
		t.Fatalf("expected running total 3, got %d", second.MarkerCount)
	}

	if err := conn.WriteJSON(analyzeWSInbound{Type: "reset"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if out := readWS(t, conn); out.Type != "reset_ack" {
		t.Fatalf("expected reset_ack, got %+v", out)
	}

	if err := conn.WriteJSON(analyzeWSInbound{Type: "close"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if out := readWS(t, conn); out.Type != "close_ack" {
		t.Fatalf("expected close_ack, got %+v", out)
	}
}

func TestAnalyzeWSBurstDeliversEveryUpdate(t *testing.T) {
	srv := testServer(t)
	conn := dialWS(t, srv.URL)
	_ = readWS(t, conn) // session

	// More chunks than the writer's buffer holds; every one must still
	// produce its own update.
	const chunks = 40
	for i := 0; i < chunks; i++ {
		if err := conn.WriteJSON(analyzeWSInbound{Type: "chunk", Text: "x "}); err != nil {
			t.Fatalf("write chunk %d: %v", i, err)
		}
	}
	for i := 0; i < chunks; i++ {
		out := readWS(t, conn)
		if out.Type != "markers" {
			t.Fatalf("update %d: expected markers, got %+v", i, out)
		}
	}
}

func TestAnalyzeWSUnknownType(t *testing.T) {
	srv := testServer(t)
	conn := dialWS(t, srv.URL)
	_ = readWS(t, conn) // session

	if err := conn.WriteJSON(analyzeWSInbound{Type: "shrug"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := readWS(t, conn)
	if out.Type != "error" || out.Code != "invalid_argument" {
		t.Fatalf("expected invalid_argument error, got %+v", out)
	}
}
