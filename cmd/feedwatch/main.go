// Feed watcher - prints live transcript lines as the service releases them.
// Watches the WebSocket feed by default, or consumes the released-segments
// Kafka topic directly with -source kafka.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"

	"transcript-assembly-service/internal/events"
	"transcript-assembly-service/internal/livefeed"
	"transcript-assembly-service/internal/models"
)

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printSegments(sessionID string, segments []models.Transcript) {
	for _, seg := range segments {
		marker := " "
		if seg.IsPartial {
			marker = "~"
		}
		log.Printf("%s %s%s %s", shortID(sessionID), seg.DisplayTime, marker, seg.Text)
	}
}

func printFeedEvent(ev livefeed.FeedEvent, sessionFilter string) {
	if sessionFilter != "" && ev.SessionID != sessionFilter {
		return
	}
	switch ev.Type {
	case livefeed.EventSessionStarted:
		log.Printf("%s session started", shortID(ev.SessionID))
	case livefeed.EventSpeechDetected:
		log.Printf("%s speech detected", shortID(ev.SessionID))
	case livefeed.EventSegmentsAdded:
		printSegments(ev.SessionID, ev.Segments)
	case livefeed.EventSessionCompleted:
		log.Printf("%s session completed, %d lines", shortID(ev.SessionID), len(ev.Segments))
	default:
		log.Printf("%s unknown feed event %q", shortID(ev.SessionID), ev.Type)
	}
}

func watchFeed(addr, sessionFilter string) {
	url := "ws://" + addr + "/v1/feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", url, err)
	}
	defer conn.Close()

	log.Printf("🎙️  Watching live feed at %s", url)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var ev livefeed.FeedEvent
			if err := conn.ReadJSON(&ev); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return
				}
				log.Printf("Feed closed: %v", err)
				return
			}
			printFeedEvent(ev, sessionFilter)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-done:
	case <-sig:
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

func consumeReleased(brokers, topic, sessionFilter string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   strings.Split(brokers, ","),
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	log.Printf("🎙️  Consuming released batches from %s (%s)", topic, brokers)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Kafka read error: %v", err)
			time.Sleep(time.Second)
			continue
		}

		var batch events.SegmentsReleasedEvent
		if err := json.Unmarshal(msg.Value, &batch); err != nil {
			log.Printf("Skipping malformed message: %v (%s)", err, truncate(string(msg.Value), 60))
			continue
		}
		if sessionFilter != "" && batch.SessionID != sessionFilter {
			continue
		}
		printSegments(batch.SessionID, batch.Segments)
	}
}

func main() {
	addr := flag.String("addr", "localhost:8080", "service address for the WebSocket feed")
	session := flag.String("session", "", "only show this session id")
	source := flag.String("source", "ws", "feed source: ws or kafka")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "transcript.segments.released", "released-segments topic")
	flag.Parse()

	log.SetFlags(log.Ltime)

	switch *source {
	case "ws":
		watchFeed(*addr, *session)
	case "kafka":
		consumeReleased(*brokers, *topic, *session)
	default:
		log.Fatalf("Unknown source %q, use ws or kafka", *source)
	}
}
