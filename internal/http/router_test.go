package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"transcript-assembly-service/internal/livefeed"
	"transcript-assembly-service/internal/models"
	"transcript-assembly-service/internal/reassembly"
	"transcript-assembly-service/internal/service/stt"
	"transcript-assembly-service/internal/service/transcription"
	"transcript-assembly-service/internal/session"
)

type echoAdapter struct {
	cb stt.Callback
}

func (a *echoAdapter) Start(ctx context.Context, cb stt.Callback) error {
	a.cb = cb
	return nil
}

func (a *echoAdapter) SendAudio(ctx context.Context, audio []byte) error {
	a.cb.OnFinal(string(audio), 0.9)
	return nil
}

func (a *echoAdapter) Close() error {
	a.cb.OnEndOfUtterance()
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Manager, *livefeed.Hub) {
	t.Helper()

	manager := session.NewManager(session.Deps{
		Reassembly: reassembly.Config{
			StaleThreshold:   100 * time.Millisecond,
			DebounceInterval: 10 * time.Millisecond,
		},
		Transcription: transcription.Config{
			Provider:      "echo",
			Workers:       1,
			QueueCapacity: 16,
			ChunkTimeout:  5 * time.Second,
		},
		Factories: map[string]stt.Factory{
			"echo": func(ctx context.Context) (stt.Adapter, error) { return &echoAdapter{}, nil },
		},
	})

	hub := livefeed.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(NewRouter(Deps{Manager: manager, Feed: hub}))
	t.Cleanup(func() {
		manager.StopAll(context.Background())
		srv.Close()
		cancel()
	})
	return srv, manager, hub
}

func doJSON(t *testing.T, method, url string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, data
}

func startTestSession(t *testing.T, srv *httptest.Server) session.Status {
	t.Helper()

	code, body := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions", map[string]string{"source": "test"})
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", code, body)
	}
	var status session.Status
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return status
}

func segmentPayload(seq uint64, start float64) models.SegmentEvent {
	conf := 0.9
	return models.SegmentEvent{
		SequenceID:     seq,
		Text:           fmt.Sprintf("segment %d", seq),
		ChunkStartTime: start,
		AudioStartTime: start,
		AudioEndTime:   start + 5,
		Duration:       5,
		Confidence:     &conf,
		Source:         "generator",
	}
}

func TestRouter_SessionLifecycle(t *testing.T) {
	srv, _, _ := newTestServer(t)

	status := startTestSession(t, srv)
	if status.ID == "" {
		t.Fatal("expected a session id")
	}
	if status.State != "OPEN" {
		t.Errorf("expected state OPEN, got %q", status.State)
	}
	if status.Provider != "echo" {
		t.Errorf("expected provider 'echo', got %q", status.Provider)
	}

	code, body := doJSON(t, http.MethodGet, srv.URL+"/v1/sessions", nil)
	if code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", code)
	}
	var list sessionListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Count != 1 || len(list.Sessions) != 1 {
		t.Fatalf("expected 1 session, got count=%d len=%d", list.Count, len(list.Sessions))
	}

	code, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/"+status.ID, nil)
	if code != http.StatusOK {
		t.Errorf("get: expected 200, got %d", code)
	}

	code, body = doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/"+status.ID+"/stop", nil)
	if code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d: %s", code, body)
	}
	var stopped transcriptResponse
	if err := json.Unmarshal(body, &stopped); err != nil {
		t.Fatalf("decode stop response: %v", err)
	}
	if stopped.SessionID != status.ID {
		t.Errorf("stop response session mismatch: %q", stopped.SessionID)
	}

	code, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/"+status.ID, nil)
	if code != http.StatusNotFound {
		t.Errorf("get after stop: expected 404, got %d", code)
	}
}

func TestRouter_StartSession_UnknownProvider(t *testing.T) {
	srv, _, _ := newTestServer(t)

	code, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions", map[string]string{"provider": "whisper"})
	if code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestRouter_StartSession_EmptyBody(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("expected 201 with empty body, got %d", resp.StatusCode)
	}
}

func TestRouter_InsertSegment(t *testing.T) {
	srv, _, _ := newTestServer(t)
	status := startTestSession(t, srv)
	segmentsURL := srv.URL + "/v1/sessions/" + status.ID + "/segments"

	code, body := doJSON(t, http.MethodPost, segmentsURL, segmentPayload(1, 0))
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", code, body)
	}
	var res insertSegmentResponse
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode insert response: %v", err)
	}
	if res.Result != "BUFFERED" || res.SequenceID != 1 {
		t.Errorf("unexpected insert response: %+v", res)
	}

	code, body = doJSON(t, http.MethodPost, segmentsURL, segmentPayload(1, 0))
	if code != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d: %s", code, body)
	}

	code, body = doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/"+status.ID+"/stop", nil)
	if code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d: %s", code, body)
	}

	code, _ = doJSON(t, http.MethodPost, segmentsURL, segmentPayload(2, 5))
	if code != http.StatusNotFound {
		t.Errorf("insert after stop: expected 404, got %d", code)
	}
}

func TestRouter_InsertSegment_AllocatesSequenceID(t *testing.T) {
	srv, _, _ := newTestServer(t)
	status := startTestSession(t, srv)
	segmentsURL := srv.URL + "/v1/sessions/" + status.ID + "/segments"

	// A producer that doesn't track its own sequence gets one assigned.
	payload := segmentPayload(0, 0)
	code, body := doJSON(t, http.MethodPost, segmentsURL, payload)
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", code, body)
	}
	var res insertSegmentResponse
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode insert response: %v", err)
	}
	if res.SequenceID != 1 {
		t.Errorf("expected allocated sequence id 1, got %d", res.SequenceID)
	}

	code, body = doJSON(t, http.MethodPost, segmentsURL, segmentPayload(0, 5))
	if code != http.StatusAccepted {
		t.Fatalf("second insert: expected 202, got %d: %s", code, body)
	}
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode second insert response: %v", err)
	}
	if res.SequenceID != 2 {
		t.Errorf("expected allocated sequence id 2, got %d", res.SequenceID)
	}
}

func TestRouter_InsertSegment_BadPayload(t *testing.T) {
	srv, _, _ := newTestServer(t)
	status := startTestSession(t, srv)

	resp, err := http.Post(srv.URL+"/v1/sessions/"+status.ID+"/segments", "application/json",
		strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRouter_InsertSegment_UnknownSession(t *testing.T) {
	srv, _, _ := newTestServer(t)

	code, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/nope/segments", segmentPayload(1, 0))
	if code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestRouter_InsertSegment_NormalizesTimingFields(t *testing.T) {
	srv, _, _ := newTestServer(t)
	status := startTestSession(t, srv)

	ev := segmentPayload(1, 0)
	ev.ChunkStartTime = -12
	ev.AudioStartTime = -12
	code, body := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/"+status.ID+"/segments", ev)
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", code, body)
	}

	code, body = doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/"+status.ID+"/transcript", nil)
	if code != http.StatusOK {
		t.Fatalf("transcript: expected 200, got %d", code)
	}
	var tr transcriptResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if tr.Count != 1 {
		t.Fatalf("expected 1 record, got %d", tr.Count)
	}
	if tr.Segments[0].ChunkStartTime != 0 || tr.Segments[0].AudioStartTime != 0 {
		t.Errorf("expected clamped times, got chunkStart=%v audioStart=%v",
			tr.Segments[0].ChunkStartTime, tr.Segments[0].AudioStartTime)
	}
}

func TestRouter_Transcript(t *testing.T) {
	srv, _, _ := newTestServer(t)
	status := startTestSession(t, srv)
	segmentsURL := srv.URL + "/v1/sessions/" + status.ID + "/segments"

	for seq := uint64(1); seq <= 3; seq++ {
		code, _ := doJSON(t, http.MethodPost, segmentsURL, segmentPayload(seq, float64(seq-1)*5))
		if code != http.StatusAccepted {
			t.Fatalf("insert %d: expected 202, got %d", seq, code)
		}
	}

	code, body := doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/"+status.ID+"/transcript", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var tr transcriptResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if tr.Count != 3 {
		t.Fatalf("expected 3 records, got %d", tr.Count)
	}
	for i, rec := range tr.Segments {
		if rec.SequenceID != uint64(i+1) {
			t.Errorf("record %d out of order: sequence %d", i, rec.SequenceID)
		}
	}
}

func TestRouter_Transcript_UnknownSession(t *testing.T) {
	srv, _, _ := newTestServer(t)

	code, _ := doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/nope/transcript", nil)
	if code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestRouter_StopUnknownSession(t *testing.T) {
	srv, _, _ := newTestServer(t)

	code, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/nope/stop", nil)
	if code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestRouter_HealthEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	code, body := doJSON(t, http.MethodGet, srv.URL+"/v1/liveness", nil)
	if code != http.StatusOK || string(body) != "ok" {
		t.Errorf("liveness: expected 200 'ok', got %d %q", code, body)
	}
	code, body = doJSON(t, http.MethodGet, srv.URL+"/v1/readiness", nil)
	if code != http.StatusOK || string(body) != "ready" {
		t.Errorf("readiness: expected 200 'ready', got %d %q", code, body)
	}
}

func TestRouter_ReadinessGate(t *testing.T) {
	manager := session.NewManager(session.Deps{})
	var ready atomic.Bool
	srv := httptest.NewServer(NewRouter(Deps{
		Manager: manager,
		Ready:   ready.Load,
	}))
	defer srv.Close()

	code, _ := doJSON(t, http.MethodGet, srv.URL+"/v1/readiness", nil)
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before ready, got %d", code)
	}
	ready.Store(true)
	code, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/readiness", nil)
	if code != http.StatusOK {
		t.Errorf("expected 200 once ready, got %d", code)
	}
}

func TestRouter_FeedUpgrade(t *testing.T) {
	srv, _, hub := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("feed dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("feed client never registered")
}
