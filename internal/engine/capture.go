package engine

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

// pump moves audio from a Source into a sink on its own goroutine until the
// source ends or the pump is stopped.
type pump struct {
	src    audio.Source
	sink   func([]byte) error
	onErr  func(error)
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func startPump(open audio.Opener, sink func([]byte) error, onErr func(error)) (*pump, error) {
	if open == nil {
		return nil, ErrNoAudioSource
	}
	src, err := open()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &pump{
		src:    src,
		sink:   sink,
		onErr:  onErr,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx)
	return p, nil
}

func (p *pump) run(ctx context.Context) {
	defer close(p.done)
	defer p.src.Close()
	for {
		if !p.waitResumed(ctx) {
			return
		}
		chunk, err := p.src.Read(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil && p.onErr != nil {
				p.onErr(err)
			}
			return
		}
		// A chunk read across a pause is held until resume.
		if !p.waitResumed(ctx) {
			return
		}
		if err := p.sink(chunk); err != nil {
			if ctx.Err() == nil && p.onErr != nil {
				p.onErr(err)
			}
			return
		}
	}
}

func (p *pump) waitResumed(ctx context.Context) bool {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return true
	}
	ch := p.resume
	p.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *pump) pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.resume = make(chan struct{})
	}
}

func (p *pump) unpause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		close(p.resume)
	}
}

// stop ends the capture and waits for the goroutine to exit.
func (p *pump) stop() {
	p.cancel()
	<-p.done
}
