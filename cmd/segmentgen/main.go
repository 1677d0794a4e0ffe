// Segment generator - drives the reassembly engine with a synthetic
// out-of-order, duplicated segment stream over the HTTP API, the way a
// skewed transcription worker pool would.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"

	"transcript-assembly-service/internal/models"
	"transcript-assembly-service/internal/service/stt/mock"
)

const chunkSeconds = 5.0

type startResponse struct {
	ID string `json:"id"`
}

type insertResponse struct {
	Result     string `json:"result"`
	SequenceID uint64 `json:"sequenceId"`
}

type transcriptResponse struct {
	Segments []models.Transcript `json:"segments"`
	Count    int                 `json:"count"`
}

func postJSON(client *http.Client, url string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(payload)
	}
	resp, err := client.Post(url, "application/json", reader)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w (%s)", err, data)
		}
	}
	return resp.StatusCode, nil
}

func buildEvents(count int) []models.SegmentEvent {
	utterances := mock.DefaultUtterances
	events := make([]models.SegmentEvent, count)
	for i := 0; i < count; i++ {
		utt := utterances[i%len(utterances)]
		start := float64(i) * chunkSeconds
		conf := utt.Confidence
		events[i] = models.SegmentEvent{
			SequenceID:     uint64(i + 1),
			Text:           utt.Final,
			ChunkStartTime: start,
			AudioStartTime: start,
			AudioEndTime:   start + chunkSeconds,
			Duration:       chunkSeconds,
			Confidence:     &conf,
			Source:         "segmentgen",
		}
	}
	return events
}

// shuffleWindowed reorders events the way worker skew does: each emission
// picks randomly from the next `window` pending events, so displacement is
// bounded but frequent.
func shuffleWindowed(events []models.SegmentEvent, window int, r *rand.Rand) []models.SegmentEvent {
	if window < 1 {
		window = 1
	}
	pending := append([]models.SegmentEvent(nil), events...)
	out := make([]models.SegmentEvent, 0, len(events))
	for len(pending) > 0 {
		limit := window
		if limit > len(pending) {
			limit = len(pending)
		}
		pick := r.Intn(limit)
		out = append(out, pending[pick])
		pending = append(pending[:pick], pending[pick+1:]...)
	}
	return out
}

func main() {
	server := flag.String("server", "http://localhost:8080", "service base URL")
	sessionID := flag.String("session", "", "existing session id (empty starts a new one)")
	count := flag.Int("count", 40, "number of segments to send")
	window := flag.Int("window", 4, "out-of-order shuffle window")
	dupRate := flag.Float64("dup", 0.1, "probability of re-sending an already-sent segment")
	delay := flag.Duration("delay", 150*time.Millisecond, "base delay between sends")
	jitter := flag.Duration("jitter", 100*time.Millisecond, "random extra delay per send")
	seed := flag.Int64("seed", 0, "random seed (0 uses the clock)")
	stop := flag.Bool("stop", true, "stop the session afterwards and print the final transcript")
	flag.Parse()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	r := rand.New(rand.NewSource(*seed))
	client := &http.Client{Timeout: 10 * time.Second}

	id := *sessionID
	if id == "" {
		var started startResponse
		code, err := postJSON(client, *server+"/v1/sessions", map[string]string{"source": "segmentgen"}, &started)
		if err != nil || code != http.StatusCreated {
			log.Fatalf("Failed to start session: status=%d err=%v", code, err)
		}
		id = started.ID
		log.Printf("Started session %s", id)
	}

	segmentsURL := fmt.Sprintf("%s/v1/sessions/%s/segments", *server, id)
	ordered := buildEvents(*count)
	shuffled := shuffleWindowed(ordered, *window, r)

	log.Printf("Sending %d segments (window=%d dup=%.2f seed=%d)", *count, *window, *dupRate, *seed)

	var sent []models.SegmentEvent
	var duplicates, conflicts int
	for _, ev := range shuffled {
		// Occasionally resend an earlier segment, like a worker retrying
		// after a timeout it actually survived.
		if len(sent) > 0 && r.Float64() < *dupRate {
			dup := sent[r.Intn(len(sent))]
			duplicates++
			var res insertResponse
			code, err := postJSON(client, segmentsURL, dup, &res)
			if err != nil {
				log.Fatalf("Failed to send duplicate %d: %v", dup.SequenceID, err)
			}
			if code == http.StatusConflict {
				conflicts++
			}
		}

		var res insertResponse
		code, err := postJSON(client, segmentsURL, ev, &res)
		if err != nil {
			log.Fatalf("Failed to send segment %d: %v", ev.SequenceID, err)
		}
		if code != http.StatusAccepted {
			log.Fatalf("Segment %d rejected: status=%d result=%s", ev.SequenceID, code, res.Result)
		}
		sent = append(sent, ev)

		if len(sent)%10 == 0 {
			log.Printf("Sent %d/%d segments", len(sent), *count)
		}

		time.Sleep(*delay + time.Duration(r.Int63n(int64(*jitter)+1)))
	}

	log.Printf("Done: %d segments, %d duplicates sent, %d rejected as conflicts", len(sent), duplicates, conflicts)

	if !*stop {
		return
	}

	var final transcriptResponse
	code, err := postJSON(client, fmt.Sprintf("%s/v1/sessions/%s/stop", *server, id), nil, &final)
	if err != nil || code != http.StatusOK {
		log.Fatalf("Failed to stop session: status=%d err=%v", code, err)
	}

	log.Printf("Final transcript (%d lines):", final.Count)
	for _, seg := range final.Segments {
		log.Printf("  %s %s", seg.DisplayTime, seg.Text)
	}
	if final.Count != *count {
		log.Printf("WARNING: expected %d lines, got %d", *count, final.Count)
	}
}
