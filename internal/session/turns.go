package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"bollipi/internal/models"
)

// TurnLog is the append-only transcript of one dialog session.
type TurnLog struct {
	mu    sync.RWMutex
	turns []models.ConversationTurn
	now   func() time.Time
}

func NewTurnLog() *TurnLog {
	return &TurnLog{now: time.Now}
}

// Append records a turn and returns it.
func (l *TurnLog) Append(role models.Role, text string) models.ConversationTurn {
	turn := models.ConversationTurn{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: l.now().UnixMilli(),
	}
	l.mu.Lock()
	l.turns = append(l.turns, turn)
	l.mu.Unlock()
	return turn
}

// Turns returns a copy of the log in order.
func (l *TurnLog) Turns() []models.ConversationTurn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.ConversationTurn, len(l.turns))
	copy(out, l.turns)
	return out
}

func (l *TurnLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

func (l *TurnLog) Clear() {
	l.mu.Lock()
	l.turns = nil
	l.mu.Unlock()
}
