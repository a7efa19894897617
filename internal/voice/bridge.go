package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bollipi/internal/models"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	eventBuffer    = 16
)

var errBridgeClosed = errors.New("voice bridge closed")

// Message is the envelope exchanged with the browser over the voice socket.
type Message struct {
	Type        string `json:"type"`
	ID          uint64 `json:"id,omitempty"`
	Event       string `json:"event,omitempty"`
	Text        string `json:"text,omitempty"`
	Lang        string `json:"lang,omitempty"`
	LocalSpeech bool   `json:"localSpeech,omitempty"`
	Index       *int   `json:"index,omitempty"`
	Field       string `json:"field,omitempty"`
	Value       string `json:"value,omitempty"`
	Audio       string `json:"audio,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
	SampleRate  int    `json:"sampleRate,omitempty"`
	State       any    `json:"state,omitempty"`
}

const (
	MsgHello            = "hello"
	MsgRecognition      = "recognition"
	MsgPlaybackEnded    = "playback_ended"
	MsgLocalSpeechEnded = "local_speech_ended"

	MsgStart  = "start"
	MsgStop   = "stop"
	MsgReset  = "reset"
	MsgSelect = "select"
	MsgEdit   = "edit"

	MsgListenStart = "listen_start"
	MsgListenStop  = "listen_stop"
	MsgPlayAudio   = "play_audio"
	MsgStopAudio   = "stop_audio"
	MsgSpeakLocal  = "speak_local"
	MsgCancelLocal = "cancel_local"
	MsgState       = "state"
	MsgError       = "error"
)

// Bridge drives the browser's speech engines over a websocket. It is a
// Recognizer, a Player and a LocalSpeaker at once.
type Bridge struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	events chan RecognitionEvent

	mu          sync.Mutex
	closed      bool
	localSpeech bool
	seq         uint64
	playID      uint64
	playDone    chan struct{}
	localID     uint64
	localDone   chan struct{}
}

func NewBridge(conn *websocket.Conn) *Bridge {
	return &Bridge{
		conn:   conn,
		events: make(chan RecognitionEvent, eventBuffer),
	}
}

// Serve reads client messages until the connection closes or ctx ends.
// Engine messages are handled here; everything else goes to onControl.
func (b *Bridge) Serve(ctx context.Context, onControl func(Message)) error {
	defer b.shutdown()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			b.conn.Close()
		case <-stop:
		}
	}()

	b.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return fmt.Errorf("read voice message: %w", err)
			}
			return nil
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("voice: malformed client message: %v", err)
			_ = b.write(Message{Type: MsgError, Text: "malformed message"})
			continue
		}
		switch msg.Type {
		case MsgHello:
			b.mu.Lock()
			b.localSpeech = msg.LocalSpeech
			b.mu.Unlock()
		case MsgRecognition:
			b.pushEvent(ctx, msg)
		case MsgPlaybackEnded:
			b.finish(&b.playDone, b.playID, msg.ID)
		case MsgLocalSpeechEnded:
			b.finish(&b.localDone, b.localID, msg.ID)
		default:
			if onControl != nil {
				onControl(msg)
			}
		}
	}
}

func (b *Bridge) pushEvent(ctx context.Context, msg Message) {
	ev := RecognitionEvent{Type: EventType(msg.Event), Text: msg.Text}
	switch ev.Type {
	case EventPartial, EventEnd:
	case EventError:
		ev.Err = fmt.Errorf("client recognition: %s", msg.Text)
	default:
		return
	}
	select {
	case b.events <- ev:
	case <-ctx.Done():
	}
}

func (b *Bridge) Events() <-chan RecognitionEvent {
	return b.events
}

func (b *Bridge) StartRecognition(lang models.Language) error {
	return b.write(Message{Type: MsgListenStart, Lang: string(lang)})
}

func (b *Bridge) StopRecognition() error {
	return b.write(Message{Type: MsgListenStop})
}

// Play sends the audio and waits for the client to report the end of playback.
func (b *Bridge) Play(ctx context.Context, audio Audio) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errBridgeClosed
	}
	b.seq++
	id := b.seq
	done := make(chan struct{})
	b.playID, b.playDone = id, done
	b.mu.Unlock()

	rate := audio.SampleRate
	if rate == 0 {
		rate = DefaultSampleRate
	}
	err := b.write(Message{
		Type:       MsgPlayAudio,
		ID:         id,
		Audio:      base64.StdEncoding.EncodeToString(audio.Data),
		MIMEType:   audio.MIMEType,
		SampleRate: rate,
	})
	if err != nil {
		return err
	}
	return b.wait(ctx, done)
}

func (b *Bridge) Halt() {
	b.mu.Lock()
	b.release(&b.playDone)
	b.mu.Unlock()
	if err := b.write(Message{Type: MsgStopAudio}); err != nil && !errors.Is(err, errBridgeClosed) {
		log.Printf("voice: stop audio: %v", err)
	}
}

// SpeakLocal asks the browser's own speech synthesis to say text.
func (b *Bridge) SpeakLocal(ctx context.Context, text string, lang models.Language) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errBridgeClosed
	}
	if !b.localSpeech {
		b.mu.Unlock()
		return ErrLocalUnavailable
	}
	b.seq++
	id := b.seq
	done := make(chan struct{})
	b.localID, b.localDone = id, done
	b.mu.Unlock()

	if err := b.write(Message{Type: MsgSpeakLocal, ID: id, Text: text, Lang: string(lang)}); err != nil {
		return err
	}
	return b.wait(ctx, done)
}

func (b *Bridge) CancelLocal() {
	b.mu.Lock()
	b.release(&b.localDone)
	b.mu.Unlock()
	if err := b.write(Message{Type: MsgCancelLocal}); err != nil && !errors.Is(err, errBridgeClosed) {
		log.Printf("voice: cancel local speech: %v", err)
	}
}

// SendState pushes a session snapshot to the client.
func (b *Bridge) SendState(state any) error {
	return b.write(Message{Type: MsgState, State: state})
}

// SendError reports a failed control message to the client.
func (b *Bridge) SendError(text string) error {
	return b.write(Message{Type: MsgError, Text: text})
}

// Close drops the connection; Serve then returns and releases all waiters.
func (b *Bridge) Close() error {
	return b.conn.Close()
}

func (b *Bridge) wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return errBridgeClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish completes the waiter in slot when the client acknowledged the
// current request. An id of zero acknowledges whatever is current.
func (b *Bridge) finish(slot *chan struct{}, current, acked uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if acked != 0 && acked != current {
		return
	}
	b.release(slot)
}

func (b *Bridge) release(slot *chan struct{}) {
	if *slot != nil {
		close(*slot)
		*slot = nil
	}
}

func (b *Bridge) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.release(&b.playDone)
	b.release(&b.localDone)
	close(b.events)
}

func (b *Bridge) write(msg Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errBridgeClosed
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := b.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}
