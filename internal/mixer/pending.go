package mixer

import (
	"context"
	"sync"
)

// Pending is the future for a submitted utterance. It resolves exactly once
// with a terminal outcome; Done unblocks at that moment.
type Pending struct {
	gen   uint64
	text  string
	voice string
	done  chan struct{}

	mu      sync.Mutex
	outcome Outcome
	err     error
}

func newPending(gen uint64, text, voice string) *Pending {
	return &Pending{
		gen:     gen,
		text:    text,
		voice:   voice,
		done:    make(chan struct{}),
		outcome: OutcomePending,
	}
}

// resolved returns an already-terminal Pending, used for requests that never
// enter the pipeline.
func resolved(outcome Outcome) *Pending {
	p := newPending(0, "", "")
	p.resolve(outcome, nil)
	return p
}

func (p *Pending) resolve(outcome Outcome, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outcome.Terminal() {
		return
	}
	p.outcome = outcome
	p.err = err
	close(p.done)
}

// Done is closed once the utterance reaches a terminal outcome.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Outcome returns the current outcome, OutcomePending until resolution.
func (p *Pending) Outcome() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome
}

// Err returns the error behind a failed or timed-out outcome, if any.
func (p *Pending) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Generation identifies the utterance; newer submissions carry higher
// generations.
func (p *Pending) Generation() uint64 {
	return p.gen
}

// Text returns the submitted text.
func (p *Pending) Text() string {
	return p.text
}

// Voice returns the voice the utterance was submitted under.
func (p *Pending) Voice() string {
	return p.voice
}

// Wait blocks until resolution or ctx expiry, returning the outcome as of
// when it unblocked.
func (p *Pending) Wait(ctx context.Context) Outcome {
	select {
	case <-p.done:
	case <-ctx.Done():
	}
	return p.Outcome()
}
