package stt

import (
	"strings"
	"sync"
	"time"
)

const (
	// MaxUtteranceWords caps an accumulated phrase at roughly sentence
	// length before it is flushed.
	MaxUtteranceWords = 28

	// SilenceFlush flushes a pending phrase when no new words arrive for
	// this long.
	SilenceFlush = 1200 * time.Millisecond
)

// Aggregator buffers word-level fragments from a diarized backend into
// utterance-sized chunks. A phrase is flushed when a different speaker's
// word arrives, when the word ceiling is reached, or when the silence
// timer fires. Channel-deterministic providers pre-group phrases and do
// not need this.
type Aggregator struct {
	mu      sync.Mutex
	emit    func(Chunk)
	maxWord int
	silence time.Duration

	timer   *time.Timer
	speaker int
	words   []string
	start   float64
}

func NewAggregator(emit func(Chunk)) *Aggregator {
	return &Aggregator{
		emit:    emit,
		maxWord: MaxUtteranceWords,
		silence: SilenceFlush,
	}
}

// AddWord appends one recognized token to the speaker's pending phrase.
// Punctuation tokens attach to the previous word instead of opening a new
// one.
func (a *Aggregator) AddWord(
	speaker int,
	word string,
	start float64,
	punctuation bool,
) {
	word = strings.TrimSpace(word)
	if word == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.words) > 0 && speaker != a.speaker {
		a.flushLocked()
	}

	if len(a.words) == 0 {
		a.speaker = speaker
		a.start = start
	}

	if punctuation && len(a.words) > 0 {
		a.words[len(a.words)-1] += word
	} else {
		a.words = append(a.words, word)
	}

	if len(a.words) >= a.maxWord {
		a.flushLocked()
		return
	}

	a.resetTimerLocked()
}

// Flush emits any pending phrase immediately.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked()
}

// Close flushes and stops the silence timer.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked()
}

func (a *Aggregator) flushLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if len(a.words) == 0 {
		return
	}

	chunk := Chunk{
		Text:       strings.Join(a.words, " "),
		Speaker:    a.speaker,
		Start:      a.start,
		ReceivedAt: time.Now(),
		Final:      true,
	}
	a.words = nil
	a.start = 0

	a.emit(chunk)
}

func (a *Aggregator) resetTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.silence, a.Flush)
}
