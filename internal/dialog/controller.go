package dialog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/looplab/fsm"

	"bollipi/internal/models"
	"bollipi/internal/service/ai"
	"bollipi/internal/session"
)

type State string

const (
	StateIdle       State = "idle"
	StateAwaiting   State = "awaiting_answer"
	StateProcessing State = "processing"
	StateComplete   State = "complete"
)

const (
	eventAsk     = "ask"
	eventProcess = "process"
	eventFinish  = "finish"
	eventReset   = "reset"
)

// HaltReason explains why the dialog is not listening while a field is
// still expected to be answered.
type HaltReason string

const (
	HaltNone             HaltReason = ""
	HaltQuota            HaltReason = "quota"
	HaltStopped          HaltReason = "stopped"
	HaltVoiceUnavailable HaltReason = "voice_unavailable"
	HaltNoSpeech         HaltReason = "no_speech"
)

var (
	ErrNotAwaiting  = errors.New("dialog is not waiting for an answer")
	ErrInvalidField = errors.New("invalid field")
	// ErrStale is returned by LoadDocument when the session moved on while
	// the document was being read; the result was not applied.
	ErrStale = errors.New("document result discarded")
)

// Extractor interprets answers and documents.
type Extractor interface {
	ExtractField(ctx context.Context, transcript string, field models.FieldID, label string) (models.ExtractionResult, error)
	ExtractFromDocument(ctx context.Context, doc ai.Document) (models.FormRecord, error)
}

// Voice is the speech side of a session.
type Voice interface {
	Speak(ctx context.Context, text string) error
	StartListening() error
	StopListening()
	Stop()
	IsListening() bool
	IsSpeaking() bool
}

type Config struct {
	Language   models.Language
	MaxRetries int
	Extractor  Extractor
	Voice      Voice
	Quota      *session.Quota
	Turns      *session.TurnLog
}

// Snapshot is a consistent view of the controller.
type Snapshot struct {
	State          State                     `json:"state"`
	Cursor         int                       `json:"cursor"`
	Field          models.FieldID            `json:"field,omitempty"`
	Language       models.Language           `json:"language"`
	Form           models.FormRecord         `json:"form"`
	QuotaExhausted bool                      `json:"quotaExhausted"`
	Processing     bool                      `json:"processing"`
	Listening      bool                      `json:"listening"`
	Speaking       bool                      `json:"speaking"`
	Halt           HaltReason                `json:"halt,omitempty"`
	Turns          []models.ConversationTurn `json:"turns"`

	seq uint64
}

// Controller sequences the questions of one form-filling session. Every
// asynchronous step runs in a cycle goroutine tagged with a generation;
// results from an older generation are dropped.
type Controller struct {
	mu         sync.Mutex
	cfg        Config
	lang       models.Language
	machine    *fsm.FSM
	form       models.FormRecord
	cursor     int
	retries    int
	halt       HaltReason
	generation uint64
	cancel     context.CancelFunc
	docSeq     uint64
	docPending uint64
	editSeq    map[models.FieldID]uint64
	onChange   func(Snapshot)
	snapSeq    uint64
	wg         sync.WaitGroup

	emitMu  sync.Mutex
	emitted uint64
}

func NewController(cfg Config) *Controller {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Quota == nil {
		cfg.Quota = &session.Quota{}
	}
	if cfg.Turns == nil {
		cfg.Turns = session.NewTurnLog()
	}
	lang := cfg.Language
	if lang == "" {
		lang = models.LanguageHindi
	}
	all := []string{string(StateIdle), string(StateAwaiting), string(StateProcessing), string(StateComplete)}
	return &Controller{
		cfg:  cfg,
		lang: lang,
		machine: fsm.NewFSM(string(StateIdle), fsm.Events{
			{Name: eventAsk, Src: all, Dst: string(StateAwaiting)},
			{Name: eventProcess, Src: []string{string(StateAwaiting)}, Dst: string(StateProcessing)},
			{Name: eventFinish, Src: []string{string(StateAwaiting), string(StateProcessing)}, Dst: string(StateComplete)},
			{Name: eventReset, Src: all, Dst: string(StateIdle)},
		}, fsm.Callbacks{}),
		cursor:  -1,
		editSeq: make(map[models.FieldID]uint64),
	}
}

// OnChange registers fn to receive a snapshot after every transition.
func (c *Controller) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *Controller) SetLanguage(lang models.Language) {
	c.mu.Lock()
	c.lang = lang
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Form returns a copy of the captured values.
func (c *Controller) Form() models.FormRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.form
}

// Wait blocks until no cycle is running.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Start asks the first unanswered field. With nothing left to ask the
// controller stays where it is.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	idx := c.nextEmptyLocked(-1)
	if idx < 0 {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(snap)
		return nil
	}
	c.cfg.Voice.Stop()
	c.cursor = idx
	c.retries = 0
	c.halt = HaltNone
	c.transition(eventAsk)
	cycleCtx, gen := c.beginCycleLocked(ctx)
	question := c.questionLocked(idx)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)

	c.goCycle(func() { c.askAndListen(cycleCtx, gen, question) })
	return nil
}

// SelectField moves the dialog to field idx, cutting off anything in flight.
// Captured values are kept.
func (c *Controller) SelectField(ctx context.Context, idx int) error {
	if idx < 0 || idx >= len(models.DefaultFields) {
		return fmt.Errorf("%w: index %d", ErrInvalidField, idx)
	}
	c.mu.Lock()
	c.cfg.Voice.Stop()
	c.cursor = idx
	c.retries = 0
	c.halt = HaltNone
	c.transition(eventAsk)
	cycleCtx, gen := c.beginCycleLocked(ctx)
	question := c.questionLocked(idx)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)

	c.goCycle(func() { c.askAndListen(cycleCtx, gen, question) })
	return nil
}

// EditField writes a value typed by the user. It works in every state and
// never moves the cursor.
func (c *Controller) EditField(id models.FieldID, value string) error {
	c.mu.Lock()
	if err := c.form.Set(id, strings.TrimSpace(value)); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidField, err)
	}
	c.editSeq[id]++
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)
	return nil
}

// Stop silences the session. The cursor stays where it is and a pending
// extraction result is discarded.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.invalidateLocked()
	c.cfg.Voice.Stop()
	if c.state() == StateProcessing {
		c.transition(eventAsk)
	}
	if c.state() == StateAwaiting {
		c.halt = HaltStopped
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)
}

// Reset clears the form, the transcript and the quota flag.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.invalidateLocked()
	c.cfg.Voice.Stop()
	c.form = models.FormRecord{}
	c.cfg.Turns.Clear()
	c.cfg.Quota.Clear()
	c.cursor = -1
	c.retries = 0
	c.halt = HaltNone
	c.docPending = 0
	c.transition(eventReset)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)
}

// Close abandons any running cycle and waits for it to exit.
func (c *Controller) Close() {
	c.mu.Lock()
	c.invalidateLocked()
	c.mu.Unlock()
	c.cfg.Voice.Stop()
	c.Wait()
}

// HandleTranscript processes a final answer for the active field.
func (c *Controller) HandleTranscript(text string) error {
	text = strings.TrimSpace(text)
	c.mu.Lock()
	if c.state() != StateAwaiting || c.cursor < 0 {
		c.mu.Unlock()
		return ErrNotAwaiting
	}
	if text == "" {
		c.mu.Unlock()
		return nil
	}
	c.cfg.Turns.Append(models.RoleUser, text)
	c.cfg.Voice.StopListening()
	c.transition(eventProcess)
	c.halt = HaltNone
	idx := c.cursor
	def := models.DefaultFields[idx]
	label := def.Label(c.lang)
	editMark := c.editSeq[def.ID]
	cycleCtx, gen := c.beginCycleLocked(context.Background())
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)

	c.goCycle(func() { c.process(cycleCtx, gen, idx, text, label, editMark) })
	return nil
}

// HandleIdle records that recognition stopped without an answer.
func (c *Controller) HandleIdle(err error) {
	c.mu.Lock()
	if c.state() != StateAwaiting {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.halt = HaltVoiceUnavailable
	} else {
		c.halt = HaltNoSpeech
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)
}

// LoadDocument replaces the form with the values read from doc. The cursor
// is left alone; the dialog picks up again on the next Start.
func (c *Controller) LoadDocument(ctx context.Context, doc ai.Document) (models.FormRecord, error) {
	if _, err := ai.CheckDocumentType(doc.MIMEType); err != nil {
		return models.FormRecord{}, err
	}

	c.mu.Lock()
	c.invalidateLocked()
	c.cfg.Voice.Stop()
	if c.state() == StateProcessing {
		c.transition(eventAsk)
	}
	if c.state() == StateAwaiting {
		c.halt = HaltStopped
	}
	c.docSeq++
	docID := c.docSeq
	c.docPending = docID
	marks := make(map[models.FieldID]uint64, len(c.editSeq))
	for id, n := range c.editSeq {
		marks[id] = n
	}
	gen := c.generation
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)

	record, err := c.cfg.Extractor.ExtractFromDocument(ctx, doc)

	c.mu.Lock()
	if c.docPending == docID {
		c.docPending = 0
	}
	if gen != c.generation {
		snap = c.snapshotLocked()
		c.mu.Unlock()
		c.emit(snap)
		if err != nil {
			return models.FormRecord{}, err
		}
		return models.FormRecord{}, ErrStale
	}
	var message string
	switch {
	case err != nil && ai.IsQuotaExhausted(err):
		c.cfg.Quota.MarkExhausted()
		if c.state() == StateAwaiting {
			c.halt = HaltQuota
		}
		message = c.phrasesLocked().Quota
	case err != nil:
		log.Printf("dialog: document extraction failed: %v", err)
		message = c.phrasesLocked().DocError
	default:
		// values typed while the document was read win over it
		for _, def := range models.DefaultFields {
			if c.editSeq[def.ID] != marks[def.ID] {
				_ = record.Set(def.ID, c.form.Get(def.ID))
			}
		}
		c.form = record
		if !c.cfg.Quota.Exhausted() {
			message = c.phrasesLocked().DocSuccess
		}
	}
	cycleCtx, cycleGen := c.beginCycleLocked(ctx)
	snap = c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)

	if message != "" {
		c.goCycle(func() { c.say(cycleCtx, cycleGen, message) })
	}
	if err != nil {
		return models.FormRecord{}, err
	}
	return record, nil
}

type followUp int

const (
	followNone followUp = iota
	followListen
	followAsk
)

func (c *Controller) process(ctx context.Context, gen uint64, idx int, text, label string, editMark uint64) {
	def := models.DefaultFields[idx]
	var (
		res models.ExtractionResult
		err error
	)
	if IsSkipPhrase(text) {
		res.IsSkipped = true
	} else {
		res, err = c.cfg.Extractor.ExtractField(ctx, text, def.ID, label)
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		debugf("dialog: dropping stale result for %s", def.ID)
		return
	}
	phrases := c.phrasesLocked()
	var (
		message  string
		next     followUp
		question string
	)
	switch {
	case err != nil && ai.IsQuotaExhausted(err):
		c.cfg.Quota.MarkExhausted()
		c.transition(eventAsk)
		c.halt = HaltQuota
		message, next = phrases.Quota, followNone
	case err != nil:
		log.Printf("dialog: extract %s: %v", def.ID, err)
		c.transition(eventAsk)
		message, next = phrases.ProcessingError, followListen
	case res.IsSkipped:
		message = phrases.Skip
		question, next = c.advanceLocked()
	case res.Value != "":
		if c.editSeq[def.ID] != editMark {
			debugf("dialog: %s edited during extraction, keeping manual value", def.ID)
		} else {
			_ = c.form.Set(def.ID, res.Value)
			message = phrases.Confirm
		}
		question, next = c.advanceLocked()
	default:
		c.retries++
		if c.retries >= c.cfg.MaxRetries {
			message = phrases.GiveUp
			question, next = c.advanceLocked()
		} else {
			c.transition(eventAsk)
			message, next = phrases.Retry, followListen
		}
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)

	if message != "" {
		if err := c.cfg.Voice.Speak(ctx, message); err != nil {
			return
		}
	}
	switch next {
	case followListen:
		c.listen(gen)
	case followAsk:
		c.askAndListen(ctx, gen, question)
	}
}

// advanceLocked moves the cursor to the next empty field after the current
// one, wrapping around. It returns the follow-up: a question to ask, or the
// completion message once nothing is left.
func (c *Controller) advanceLocked() (string, followUp) {
	c.retries = 0
	next := c.nextEmptyLocked(c.cursor)
	if next < 0 {
		c.cursor = -1
		c.transition(eventFinish)
		return c.phrasesLocked().Finish, followAsk
	}
	c.cursor = next
	c.transition(eventAsk)
	return c.questionLocked(next), followAsk
}

func (c *Controller) askAndListen(ctx context.Context, gen uint64, text string) {
	if err := c.cfg.Voice.Speak(ctx, text); err != nil {
		return
	}
	c.listen(gen)
}

func (c *Controller) say(ctx context.Context, gen uint64, text string) {
	if err := c.cfg.Voice.Speak(ctx, text); err != nil {
		debugf("dialog: announcement cut off (gen %d): %v", gen, err)
	}
}

// listen arms recognition for the active field unless the cycle is stale,
// the dialog moved on, or the quota is gone.
func (c *Controller) listen(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.state() != StateAwaiting {
		c.mu.Unlock()
		return
	}
	switch {
	case c.cfg.Quota.Exhausted():
		c.halt = HaltQuota
	default:
		if err := c.cfg.Voice.StartListening(); err != nil {
			log.Printf("dialog: start listening: %v", err)
			c.halt = HaltVoiceUnavailable
		} else {
			c.halt = HaltNone
		}
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)
}

func (c *Controller) beginCycleLocked(ctx context.Context) (context.Context, uint64) {
	c.invalidateLocked()
	cycleCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	return cycleCtx, c.generation
}

func (c *Controller) invalidateLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.generation++
}

func (c *Controller) goCycle(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Controller) nextEmptyLocked(from int) int {
	n := len(models.DefaultFields)
	for step := 1; step <= n; step++ {
		i := (from + step) % n
		if i < 0 {
			i += n
		}
		if c.form.Get(models.DefaultFields[i].ID) == "" {
			return i
		}
	}
	return -1
}

func (c *Controller) questionLocked(idx int) string {
	return models.DefaultFields[idx].Question(c.lang)
}

func (c *Controller) phrasesLocked() Phrases {
	return PhrasesFor(c.lang)
}

func (c *Controller) state() State {
	return State(c.machine.Current())
}

func (c *Controller) transition(event string) {
	if err := c.machine.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return
		}
		log.Printf("dialog: %s from %s: %v", event, c.machine.Current(), err)
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	c.snapSeq++
	snap := Snapshot{
		seq:            c.snapSeq,
		State:          c.state(),
		Cursor:         c.cursor,
		Language:       c.lang,
		Form:           c.form,
		QuotaExhausted: c.cfg.Quota.Exhausted(),
		Processing:     c.state() == StateProcessing || c.docPending != 0,
		Listening:      c.cfg.Voice.IsListening(),
		Speaking:       c.cfg.Voice.IsSpeaking(),
		Halt:           c.halt,
		Turns:          c.cfg.Turns.Turns(),
	}
	if c.cursor >= 0 {
		snap.Field = models.DefaultFields[c.cursor].ID
	}
	return snap
}

// emit delivers snap unless a newer snapshot was already delivered.
func (c *Controller) emit(snap Snapshot) {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn == nil {
		return
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if snap.seq <= c.emitted {
		return
	}
	c.emitted = snap.seq
	fn(snap)
}
