package voice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"bollipi/internal/models"
	"bollipi/internal/session"
)

var (
	// ErrLocalUnavailable is returned by a LocalSpeaker that has no on-device voice.
	ErrLocalUnavailable = errors.New("local speech unavailable")
	// ErrNoRecognizer is returned by StartListening while no recognizer is attached.
	ErrNoRecognizer = errors.New("no speech recognizer attached")
)

type EventType string

const (
	EventPartial EventType = "partial"
	EventEnd     EventType = "end"
	EventError   EventType = "error"
)

// RecognitionEvent is emitted by a Recognizer. Partial events carry the whole
// transcript recognized so far, not a delta.
type RecognitionEvent struct {
	Type EventType
	Text string
	Err  error
}

type Recognizer interface {
	StartRecognition(lang models.Language) error
	StopRecognition() error
	Events() <-chan RecognitionEvent
}

// Synthesizer is the primary text-to-speech path.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, lang models.Language) (Audio, error)
}

// Player plays synthesized audio. Play returns when playback has finished or
// ctx is cancelled.
type Player interface {
	Play(ctx context.Context, audio Audio) error
	Halt()
}

// LocalSpeaker is the on-device fallback voice. SpeakLocal returns when the
// utterance has finished.
type LocalSpeaker interface {
	SpeakLocal(ctx context.Context, text string, lang models.Language) error
	CancelLocal()
}

// Options configures an Adapter.
type Options struct {
	Language    models.Language
	Synthesizer Synthesizer
	Quota       *session.Quota
	Turns       *session.TurnLog
	// IsQuotaError classifies synthesis failures.
	IsQuotaError func(error) bool
	// OnTranscript receives every non-empty final transcript exactly once.
	OnTranscript func(text string)
	// OnIdle is called when recognition ends without a transcript; err is
	// set when the engine reported a failure.
	OnIdle func(err error)
}

// Adapter owns the listening and speaking lifecycle of one session. It never
// reports listening and speaking at the same time.
type Adapter struct {
	mu         sync.Mutex
	opts       Options
	lang       models.Language
	recognizer Recognizer
	player     Player
	local      LocalSpeaker

	listening  bool
	transcript string

	speaking    bool
	speakSeq    uint64
	cancelSpeak context.CancelFunc
}

func NewAdapter(opts Options) *Adapter {
	lang := opts.Language
	if lang == "" {
		lang = models.LanguageHindi
	}
	return &Adapter{opts: opts, lang: lang}
}

// Attach connects client-side engines. Any previously attached engines are
// released first. Recognition events are pumped until the recognizer closes
// its channel.
func (a *Adapter) Attach(rec Recognizer, player Player, local LocalSpeaker) {
	a.mu.Lock()
	a.haltLocked()
	a.stopListeningLocked()
	a.recognizer = rec
	a.player = player
	a.local = local
	a.mu.Unlock()

	if rec != nil {
		go a.pump(rec)
	}
}

// Detach drops the engines attached with the recognizer rec.
func (a *Adapter) Detach(rec Recognizer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recognizer != rec {
		return
	}
	a.haltLocked()
	a.listening = false
	a.transcript = ""
	a.recognizer = nil
	a.player = nil
	a.local = nil
}

func (a *Adapter) SetLanguage(lang models.Language) {
	a.mu.Lock()
	a.lang = lang
	a.mu.Unlock()
}

func (a *Adapter) Language() models.Language {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lang
}

func (a *Adapter) IsListening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listening
}

func (a *Adapter) IsSpeaking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.speaking
}

// StartListening begins capturing speech. Calling it while already listening
// does nothing. Any speech in progress is cut off first.
func (a *Adapter) StartListening() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listening {
		return nil
	}
	if a.recognizer == nil {
		return ErrNoRecognizer
	}
	a.haltLocked()
	a.transcript = ""
	if err := a.recognizer.StartRecognition(a.lang); err != nil {
		return fmt.Errorf("start recognition: %w", err)
	}
	a.listening = true
	return nil
}

// StopListening always leaves the adapter not listening. Whatever was heard
// so far is discarded.
func (a *Adapter) StopListening() {
	a.mu.Lock()
	a.stopListeningLocked()
	a.mu.Unlock()
}

// Stop halts playback and listening together.
func (a *Adapter) Stop() {
	a.mu.Lock()
	a.haltLocked()
	a.stopListeningLocked()
	a.mu.Unlock()
}

// Speak says text and returns after playback ends. The primary synthesizer is
// tried first and the local voice second; when neither can play, Speak
// returns nil without audio. A non-nil error means the utterance was
// cancelled.
func (a *Adapter) Speak(ctx context.Context, text string) error {
	a.mu.Lock()
	a.haltLocked()
	a.stopListeningLocked()
	speakCtx, cancel := context.WithCancel(ctx)
	a.speakSeq++
	seq := a.speakSeq
	a.cancelSpeak = cancel
	a.speaking = true
	lang := a.lang
	player := a.player
	local := a.local
	a.mu.Unlock()
	defer a.finishSpeaking(seq, cancel)

	if a.opts.Turns != nil {
		a.opts.Turns.Append(models.RoleAssistant, text)
	}

	err := a.speakPrimary(speakCtx, player, text, lang)
	if err == nil {
		return nil
	}
	if speakCtx.Err() != nil {
		return speakCtx.Err()
	}
	debugf("voice: primary speech failed, falling back: %v", err)

	if local == nil {
		return nil
	}
	if err := local.SpeakLocal(speakCtx, text, lang); err != nil {
		if speakCtx.Err() != nil {
			return speakCtx.Err()
		}
		if !errors.Is(err, ErrLocalUnavailable) {
			log.Printf("voice: local speech failed: %v", err)
		}
	}
	return nil
}

func (a *Adapter) speakPrimary(ctx context.Context, player Player, text string, lang models.Language) error {
	if a.opts.Synthesizer == nil {
		return errors.New("no synthesizer configured")
	}
	if player == nil {
		return errors.New("no audio player attached")
	}
	if a.opts.Quota.Exhausted() {
		return errors.New("synthesis skipped: quota exhausted")
	}
	audio, err := a.opts.Synthesizer.Synthesize(ctx, text, lang)
	if err != nil {
		if a.opts.IsQuotaError != nil && a.opts.IsQuotaError(err) && a.opts.Quota != nil {
			a.opts.Quota.MarkExhausted()
		}
		return err
	}
	if audio.Empty() {
		return errors.New("empty audio")
	}
	return player.Play(ctx, audio)
}

func (a *Adapter) finishSpeaking(seq uint64, cancel context.CancelFunc) {
	cancel()
	a.mu.Lock()
	if a.speakSeq == seq {
		a.speaking = false
		a.cancelSpeak = nil
	}
	a.mu.Unlock()
}

// haltLocked cancels the utterance in progress, if any.
func (a *Adapter) haltLocked() {
	if !a.speaking {
		return
	}
	if a.cancelSpeak != nil {
		a.cancelSpeak()
		a.cancelSpeak = nil
	}
	if a.player != nil {
		a.player.Halt()
	}
	if a.local != nil {
		a.local.CancelLocal()
	}
	a.speaking = false
}

func (a *Adapter) stopListeningLocked() {
	a.transcript = ""
	if !a.listening {
		return
	}
	a.listening = false
	if a.recognizer == nil {
		return
	}
	if err := a.recognizer.StopRecognition(); err != nil {
		log.Printf("voice: stop recognition: %v", err)
	}
}

func (a *Adapter) pump(rec Recognizer) {
	for ev := range rec.Events() {
		a.handleEvent(rec, ev)
	}
	a.Detach(rec)
}

func (a *Adapter) handleEvent(rec Recognizer, ev RecognitionEvent) {
	a.mu.Lock()
	if a.recognizer != rec {
		a.mu.Unlock()
		return
	}
	switch ev.Type {
	case EventPartial:
		if a.listening {
			a.transcript = ev.Text
		}
		a.mu.Unlock()
	case EventEnd:
		wasListening := a.listening
		text := strings.TrimSpace(a.transcript)
		if final := strings.TrimSpace(ev.Text); final != "" {
			text = final
		}
		a.listening = false
		a.transcript = ""
		a.mu.Unlock()
		if !wasListening {
			return
		}
		if text == "" {
			if a.opts.OnIdle != nil {
				a.opts.OnIdle(nil)
			}
			return
		}
		if a.opts.OnTranscript != nil {
			a.opts.OnTranscript(text)
		}
	case EventError:
		wasListening := a.listening
		a.listening = false
		a.transcript = ""
		a.mu.Unlock()
		err := ev.Err
		if err == nil {
			err = errors.New(ev.Text)
		}
		log.Printf("voice: recognition error: %v", err)
		if wasListening && a.opts.OnIdle != nil {
			a.opts.OnIdle(err)
		}
	default:
		a.mu.Unlock()
	}
}
