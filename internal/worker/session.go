package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bollipi/internal/dialog"
	"bollipi/internal/models"
	"bollipi/internal/session"
	"bollipi/internal/voice"
)

var ErrSessionClosed = errors.New("session closed")

// Session is one live form-filling conversation.
type Session struct {
	ID         string
	Controller *dialog.Controller
	Voice      *voice.Adapter
	Quota      *session.Quota
	Turns      *session.TurnLog

	now func() time.Time

	mu       sync.Mutex
	bridge   *voice.Bridge
	lastSeen time.Time
	closed   bool
}

// SetLanguage switches both the dialog and the voice engines.
func (s *Session) SetLanguage(raw string) error {
	lang, err := models.ParseLanguage(raw)
	if err != nil {
		return err
	}
	s.Voice.SetLanguage(lang)
	s.Controller.SetLanguage(lang)
	return nil
}

// Attach serves a voice socket until it closes. A newer socket replaces an
// older one.
func (s *Session) Attach(ctx context.Context, conn *websocket.Conn) error {
	b := voice.NewBridge(conn)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrSessionClosed
	}
	old := s.bridge
	s.bridge = b
	s.lastSeen = s.now()
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	s.Voice.Attach(b, b, b)
	if err := b.SendState(s.Controller.Snapshot()); err != nil {
		debugLog("[session %s] initial state: %v", s.ID, err)
	}
	err := b.Serve(ctx, func(msg voice.Message) { s.handleControl(b, msg) })
	s.Voice.Detach(b)

	s.mu.Lock()
	if s.bridge == b {
		s.bridge = nil
	}
	s.lastSeen = s.now()
	s.mu.Unlock()
	return err
}

func (s *Session) handleControl(b *voice.Bridge, msg voice.Message) {
	s.touch()
	var err error
	switch msg.Type {
	case voice.MsgStart:
		if msg.Lang != "" {
			err = s.SetLanguage(msg.Lang)
		}
		if err == nil {
			err = s.Controller.Start(context.Background())
		}
	case voice.MsgStop:
		s.Controller.Stop()
	case voice.MsgReset:
		s.Controller.Reset()
	case voice.MsgSelect:
		if msg.Index == nil {
			err = errors.New("select needs an index")
			break
		}
		err = s.Controller.SelectField(context.Background(), *msg.Index)
	case voice.MsgEdit:
		err = s.Controller.EditField(models.FieldID(msg.Field), msg.Value)
	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}
	if err != nil {
		if sendErr := b.SendError(err.Error()); sendErr != nil {
			debugLog("[session %s] report error: %v", s.ID, sendErr)
		}
	}
}

func (s *Session) onTranscript(text string) {
	if err := s.Controller.HandleTranscript(text); err != nil {
		debugLog("[session %s] transcript ignored: %v", s.ID, err)
	}
}

func (s *Session) onIdle(err error) {
	if err != nil {
		log.Printf("worker: session %s recognition failed: %v", s.ID, err)
	}
	s.Controller.HandleIdle(err)
}

func (s *Session) publish(snap dialog.Snapshot) {
	s.mu.Lock()
	b := s.bridge
	s.mu.Unlock()
	if b == nil {
		return
	}
	if err := b.SendState(snap); err != nil {
		debugLog("[session %s] push state: %v", s.ID, err)
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = s.now()
	s.mu.Unlock()
}

// idleSince reports when the session was last used; attached sessions are
// never idle.
func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bridge != nil {
		return time.Time{}, false
	}
	return s.lastSeen, true
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	b := s.bridge
	s.bridge = nil
	s.mu.Unlock()
	if b != nil {
		b.Close()
	}
	s.Controller.Close()
}
