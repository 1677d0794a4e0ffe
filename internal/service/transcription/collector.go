package transcription

import (
	"context"
	"sync"
)

// DefaultConfidence is used when the provider reports no confidence score,
// matching what providers without scoring are assumed to deliver.
const DefaultConfidence = 0.85

// resultCollector implements stt.Callback for a single chunk session. It
// keeps the latest partial, the final transcript, and signals completion
// when the provider delivers the final, ends the utterance, or errors.
type resultCollector struct {
	mu          sync.Mutex
	lastPartial string
	finalText   string
	confidence  float64
	hasFinal    bool
	err         error

	done     chan struct{}
	doneOnce sync.Once
}

func newResultCollector() *resultCollector {
	return &resultCollector{done: make(chan struct{})}
}

func (c *resultCollector) OnPartial(text string) {
	c.mu.Lock()
	c.lastPartial = text
	c.mu.Unlock()
}

func (c *resultCollector) OnFinal(text string, confidence float64) {
	c.mu.Lock()
	c.finalText = text
	c.confidence = confidence
	c.hasFinal = true
	c.mu.Unlock()
	c.finish()
}

func (c *resultCollector) OnEndOfUtterance() {
	c.finish()
}

func (c *resultCollector) OnError(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.finish()
}

func (c *resultCollector) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// wait blocks until the session completed or the context expired.
func (c *resultCollector) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// result returns the transcript for the chunk. A session that ended with
// only interim text yields that text flagged as partial. Providers that
// report no confidence get DefaultConfidence.
func (c *resultCollector) result() (text string, confidence float64, isPartial bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return "", 0, false, c.err
	}
	if c.hasFinal {
		conf := c.confidence
		if conf <= 0 {
			conf = DefaultConfidence
		}
		return c.finalText, conf, false, nil
	}
	return c.lastPartial, DefaultConfidence, true, nil
}
