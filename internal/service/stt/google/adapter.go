// Package google provides a Google Cloud Speech-to-Text adapter.
package google

import (
	"context"
	"io"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"transcript-assembly-service/internal/observability/metrics"
	"transcript-assembly-service/internal/service/stt"
)

// Config holds the recognition settings for a streaming session.
type Config struct {
	LanguageCode   string
	SampleRateHz   int
	InterimResults bool
	AudioEncoding  string
}

// DefaultConfig returns recognition settings for 16kHz LINEAR16 audio, the
// format the chunk recorder produces.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   16000,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
	}
}

// parseAudioEncoding maps an encoding name to the Speech API enum.
// Unrecognized names fall back to LINEAR16.
func parseAudioEncoding(name string) speechpb.RecognitionConfig_AudioEncoding {
	switch name {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// Adapter implements stt.Adapter using Google Cloud Speech-to-Text.
type Adapter struct {
	client  *speech.Client
	stream  speechpb.Speech_StreamingRecognizeClient
	cb      stt.Callback
	cfg     Config
	metrics *metrics.Metrics
}

// New creates a new Google STT adapter.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		client:  c,
		cfg:     cfg,
		metrics: metrics.DefaultMetrics,
	}, nil
}

// Start begins a streaming recognition session and sends the initial config.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	stream, err := a.client.StreamingRecognize(ctx)
	if err != nil {
		a.metrics.RecordSTTError("google", classifyError(err))
		return err
	}
	a.stream = stream
	a.cb = cb

	// Send streaming config as the first message
	return stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        parseAudioEncoding(a.cfg.AudioEncoding),
					SampleRateHertz: int32(a.cfg.SampleRateHz),
					LanguageCode:    a.cfg.LanguageCode,
				},
				InterimResults: a.cfg.InterimResults,
			},
		},
	})
}

// SendAudio sends audio bytes to Google Speech-to-Text.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	return a.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
}

// Close ends the streaming session.
func (a *Adapter) Close() error {
	if a.stream != nil {
		return a.stream.CloseSend()
	}
	return nil
}

// Listen receives transcript responses from Google and invokes callbacks.
// Should be called in a separate goroutine after Start(). Returns when the
// stream ends; a clean end-of-stream reports end of utterance rather than
// an error.
func (a *Adapter) Listen() {
	for {
		resp, err := a.stream.Recv()
		if err != nil {
			if err == io.EOF {
				a.cb.OnEndOfUtterance()
				return
			}
			a.metrics.RecordSTTError("google", classifyError(err))
			a.cb.OnError(err)
			return
		}

		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			alt := r.Alternatives[0]
			if r.IsFinal {
				a.cb.OnFinal(alt.Transcript, float64(alt.Confidence))
			} else {
				a.cb.OnPartial(alt.Transcript)
			}
		}
	}
}

// classifyError buckets stream errors by gRPC code so the error metric
// separates transient congestion from credential and request problems.
func classifyError(err error) string {
	s, ok := status.FromError(err)
	if !ok {
		return "unknown"
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return "transient"
	case codes.Unauthenticated, codes.PermissionDenied:
		return "auth"
	case codes.InvalidArgument, codes.OutOfRange:
		return "request"
	case codes.Canceled:
		return "canceled"
	default:
		return s.Code().String()
	}
}
