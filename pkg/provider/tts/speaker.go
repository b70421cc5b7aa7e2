package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lovenote-ai/lovenote/pkg/types"
)

// ErrBusy is returned by Speak when a synthesis is already in progress.
var ErrBusy = errors.New("tts: synthesis already in progress")

// Speaker drives one utterance at a time through a Provider on behalf of a
// single session. It tracks whether synthesis is in flight so the caller can
// interrupt playback when the user starts speaking over the assistant.
//
// All methods are safe for concurrent use.
type Speaker struct {
	provider Provider
	voice    types.VoiceProfile

	mu     sync.Mutex
	cancel context.CancelFunc
	active bool
}

// NewSpeaker creates a Speaker that synthesises with the given provider and
// voice profile.
func NewSpeaker(provider Provider, voice types.VoiceProfile) *Speaker {
	return &Speaker{provider: provider, voice: voice}
}

// Speak synthesises text and delivers each audio chunk to onChunk in order.
// It blocks until synthesis completes, is stopped via Stop, or ctx is
// cancelled. A stopped or cancelled synthesis returns nil; the utterance was
// simply cut short. Returns ErrBusy if a synthesis is already in flight.
func (s *Speaker) Speak(ctx context.Context, text string, onChunk func([]byte)) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return ErrBusy
	}
	synthCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.active = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active = false
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}()

	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	audio, err := s.provider.SynthesizeStream(synthCtx, textCh, s.voice)
	if err != nil {
		return fmt.Errorf("tts: start synthesis: %w", err)
	}

	for chunk := range audio {
		select {
		case <-synthCtx.Done():
			// Drain the channel so the provider goroutine can exit.
			for range audio {
			}
			return nil
		default:
		}
		onChunk(chunk)
	}
	return nil
}

// Stop interrupts an in-flight synthesis. It is a no-op when nothing is being
// synthesised and is safe to call repeatedly.
func (s *Speaker) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// IsSynthesizing reports whether a Speak call is currently in flight.
func (s *Speaker) IsSynthesizing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
