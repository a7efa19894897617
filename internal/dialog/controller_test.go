package dialog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"bollipi/internal/models"
	"bollipi/internal/service/ai"
	"bollipi/internal/session"
)

type fakeVoice struct {
	mu           sync.Mutex
	spoken       []string
	listenStarts int
	listening    bool
	stops        int
	listenErr    error
}

func (v *fakeVoice) Speak(ctx context.Context, text string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listening = false
	v.spoken = append(v.spoken, text)
	return ctx.Err()
}

func (v *fakeVoice) StartListening() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.listenErr != nil {
		return v.listenErr
	}
	v.listenStarts++
	v.listening = true
	return nil
}

func (v *fakeVoice) StopListening() {
	v.mu.Lock()
	v.listening = false
	v.mu.Unlock()
}

func (v *fakeVoice) Stop() {
	v.mu.Lock()
	v.stops++
	v.listening = false
	v.mu.Unlock()
}

func (v *fakeVoice) IsListening() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.listening
}

func (v *fakeVoice) IsSpeaking() bool { return false }

func (v *fakeVoice) last() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.spoken) == 0 {
		return ""
	}
	return v.spoken[len(v.spoken)-1]
}

func (v *fakeVoice) said(text string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, s := range v.spoken {
		if s == text {
			return true
		}
	}
	return false
}

func (v *fakeVoice) starts() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.listenStarts
}

type fakeExtractor struct {
	mu       sync.Mutex
	fields   []models.FieldID
	labels   []string
	fn       func(text string, field models.FieldID) (models.ExtractionResult, error)
	release  chan struct{}
	started  chan struct{}
	doc      models.FormRecord
	docErr   error
	docCalls int

	// docStarted and docRelease hold ExtractFromDocument open when set.
	docStarted chan struct{}
	docRelease chan struct{}
}

func (e *fakeExtractor) ExtractField(_ context.Context, text string, field models.FieldID, label string) (models.ExtractionResult, error) {
	e.mu.Lock()
	e.fields = append(e.fields, field)
	e.labels = append(e.labels, label)
	e.mu.Unlock()
	if e.started != nil {
		e.started <- struct{}{}
	}
	if e.release != nil {
		<-e.release
	}
	if e.fn == nil {
		return models.ExtractionResult{Value: text}, nil
	}
	return e.fn(text, field)
}

func (e *fakeExtractor) ExtractFromDocument(context.Context, ai.Document) (models.FormRecord, error) {
	e.mu.Lock()
	e.docCalls++
	doc, docErr := e.doc, e.docErr
	started, release := e.docStarted, e.docRelease
	e.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return doc, docErr
}

func (e *fakeExtractor) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.fields)
}

func newTestController(ext *fakeExtractor, maxRetries int) (*Controller, *fakeVoice, *session.Quota) {
	v := &fakeVoice{}
	q := &session.Quota{}
	c := NewController(Config{
		Language:   models.LanguageEnglish,
		MaxRetries: maxRetries,
		Extractor:  ext,
		Voice:      v,
		Quota:      q,
	})
	return c, v, q
}

func answer(t *testing.T, c *Controller, text string) {
	t.Helper()
	if err := c.HandleTranscript(text); err != nil {
		t.Fatalf("transcript %q: %v", text, err)
	}
	c.Wait()
}

func start(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.Wait()
}

func TestFiveAnswersAndSkipReachComplete(t *testing.T) {
	ext := &fakeExtractor{}
	c, v, _ := newTestController(ext, 3)
	start(t, c)

	snap := c.Snapshot()
	if snap.State != StateAwaiting || snap.Cursor != 0 || !snap.Listening {
		t.Fatalf("unexpected start snapshot %+v", snap)
	}
	if !v.said("What is your full name?") {
		t.Fatalf("first question not asked: %v", v.spoken)
	}

	for _, text := range []string{"Rahul", "30", "male", "9876543210", "farmer"} {
		answer(t, c, text)
	}
	if c.Snapshot().Field != models.FieldAddress {
		t.Fatalf("expected address to be active, got %s", c.Snapshot().Field)
	}
	answer(t, c, "Skip this one")

	snap = c.Snapshot()
	if snap.State != StateComplete || snap.Cursor != -1 {
		t.Fatalf("expected complete, got %+v", snap)
	}
	want := models.FormRecord{FullName: "Rahul", Age: "30", Gender: "male", Phone: "9876543210", Occupation: "farmer"}
	if snap.Form != want {
		t.Fatalf("unexpected form %+v", snap.Form)
	}
	if ext.calls() != 5 {
		t.Fatalf("skip keyword reached the extractor: %d calls", ext.calls())
	}
	if v.last() != englishPhrases.Finish {
		t.Fatalf("completion not announced, last said %q", v.last())
	}
	if !v.said(englishPhrases.Skip) {
		t.Fatalf("skip not acknowledged")
	}
	if len(snap.Turns) != 6 {
		t.Fatalf("expected six user turns, got %d", len(snap.Turns))
	}
}

func TestExtractorSkipAdvancesWithoutWrite(t *testing.T) {
	ext := &fakeExtractor{fn: func(string, models.FieldID) (models.ExtractionResult, error) {
		return models.ExtractionResult{IsSkipped: true}, nil
	}}
	c, v, _ := newTestController(ext, 3)
	start(t, c)
	answer(t, c, "mujhe nahi pata")

	snap := c.Snapshot()
	if !snap.Form.IsEmpty() || snap.Cursor != 1 || snap.State != StateAwaiting {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !v.said(englishPhrases.Skip) || v.last() != "How old are you?" {
		t.Fatalf("unexpected speech %v", v.spoken)
	}
}

func TestValueWritesOnlyActiveField(t *testing.T) {
	ext := &fakeExtractor{fn: func(string, models.FieldID) (models.ExtractionResult, error) {
		return models.ExtractionResult{Value: "42"}, nil
	}}
	c, v, _ := newTestController(ext, 3)
	if err := c.SelectField(context.Background(), 1); err != nil {
		t.Fatalf("select: %v", err)
	}
	c.Wait()
	answer(t, c, "I am forty two")

	if got := c.Form(); got != (models.FormRecord{Age: "42"}) {
		t.Fatalf("unexpected form %+v", got)
	}
	if ext.labels[0] != "Age" || ext.fields[0] != models.FieldAge {
		t.Fatalf("extractor called with %v %v", ext.fields, ext.labels)
	}
	if !v.said(englishPhrases.Confirm) {
		t.Fatalf("confirmation not spoken")
	}
	if snap := c.Snapshot(); snap.Cursor != 2 {
		t.Fatalf("expected cursor 2, got %d", snap.Cursor)
	}
}

func TestAdvanceSkipsFilledFieldsAndWraps(t *testing.T) {
	c, _, _ := newTestController(&fakeExtractor{}, 3)
	for _, id := range []models.FieldID{models.FieldFullName, models.FieldPhone, models.FieldOccupation, models.FieldAddress} {
		if err := c.EditField(id, "x"); err != nil {
			t.Fatalf("edit: %v", err)
		}
	}
	if err := c.SelectField(context.Background(), 2); err != nil {
		t.Fatalf("select: %v", err)
	}
	c.Wait()
	answer(t, c, "female")
	if snap := c.Snapshot(); snap.Cursor != 1 {
		t.Fatalf("expected wrap to age (1), got %d", snap.Cursor)
	}
}

func TestAmbiguousAnswerRetriesThenMovesOn(t *testing.T) {
	ext := &fakeExtractor{fn: func(string, models.FieldID) (models.ExtractionResult, error) {
		return models.ExtractionResult{}, nil
	}}
	c, v, _ := newTestController(ext, 2)
	start(t, c)
	before := v.starts()

	answer(t, c, "hmm")
	snap := c.Snapshot()
	if snap.Cursor != 0 || snap.State != StateAwaiting || !snap.Form.IsEmpty() {
		t.Fatalf("ambiguous answer moved the dialog: %+v", snap)
	}
	if v.last() != englishPhrases.Retry || v.starts() != before+1 {
		t.Fatalf("retry not prompted or listening not re-armed")
	}

	answer(t, c, "uh")
	snap = c.Snapshot()
	if snap.Cursor != 1 || !snap.Form.IsEmpty() {
		t.Fatalf("expected move on after retry cap, got %+v", snap)
	}
	if !v.said(englishPhrases.GiveUp) {
		t.Fatalf("give up message not spoken")
	}
}

func TestQuotaHaltsListeningUntilReset(t *testing.T) {
	ext := &fakeExtractor{fn: func(string, models.FieldID) (models.ExtractionResult, error) {
		return models.ExtractionResult{}, fmt.Errorf("extract field: %w", ai.ErrQuotaExhausted)
	}}
	c, v, q := newTestController(ext, 3)
	start(t, c)
	before := v.starts()

	answer(t, c, "Rahul")
	snap := c.Snapshot()
	if !q.Exhausted() || !snap.QuotaExhausted || snap.Halt != HaltQuota {
		t.Fatalf("quota not recorded: %+v", snap)
	}
	if snap.Cursor != 0 || snap.State != StateAwaiting || snap.Processing {
		t.Fatalf("cursor or state moved: %+v", snap)
	}
	if v.last() != englishPhrases.Quota || v.starts() != before {
		t.Fatalf("expected busy message and no listening")
	}

	if err := c.SelectField(context.Background(), 3); err != nil {
		t.Fatalf("select: %v", err)
	}
	c.Wait()
	if v.starts() != before || c.Snapshot().Halt != HaltQuota {
		t.Fatalf("listening re-armed while quota exhausted")
	}

	// manual entry still works
	if err := c.EditField(models.FieldPhone, "12345"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	c.Reset()
	snap = c.Snapshot()
	if q.Exhausted() || snap.State != StateIdle || !snap.Form.IsEmpty() || len(snap.Turns) != 0 {
		t.Fatalf("reset incomplete: %+v", snap)
	}
}

func TestOtherErrorRearmsListening(t *testing.T) {
	ext := &fakeExtractor{fn: func(string, models.FieldID) (models.ExtractionResult, error) {
		return models.ExtractionResult{}, errors.New("connection reset")
	}}
	c, v, q := newTestController(ext, 3)
	start(t, c)
	before := v.starts()
	answer(t, c, "Rahul")
	snap := c.Snapshot()
	if q.Exhausted() || snap.Cursor != 0 || snap.State != StateAwaiting || !snap.Listening {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if v.last() != englishPhrases.ProcessingError || v.starts() != before+1 {
		t.Fatalf("expected error message and re-armed listening")
	}
}

func TestStaleResultIsDropped(t *testing.T) {
	for name, interrupt := range map[string]func(c *Controller){
		"reset":  func(c *Controller) { c.Reset() },
		"stop":   func(c *Controller) { c.Stop() },
		"select": func(c *Controller) { _ = c.SelectField(context.Background(), 4) },
	} {
		t.Run(name, func(t *testing.T) {
			ext := &fakeExtractor{release: make(chan struct{}), started: make(chan struct{}, 1)}
			c, _, _ := newTestController(ext, 3)
			start(t, c)
			if err := c.HandleTranscript("Rahul"); err != nil {
				t.Fatalf("transcript: %v", err)
			}
			<-ext.started
			if !c.Snapshot().Processing {
				t.Fatalf("expected processing while extraction runs")
			}
			interrupt(c)
			close(ext.release)
			c.Wait()
			snap := c.Snapshot()
			if snap.Form.FullName != "" {
				t.Fatalf("stale result written: %+v", snap.Form)
			}
			if snap.Processing {
				t.Fatalf("processing not cleared")
			}
		})
	}
}

func TestStopKeepsCursor(t *testing.T) {
	c, v, _ := newTestController(&fakeExtractor{}, 3)
	if err := c.SelectField(context.Background(), 3); err != nil {
		t.Fatalf("select: %v", err)
	}
	c.Wait()
	c.Stop()
	snap := c.Snapshot()
	if snap.Cursor != 3 || snap.State != StateAwaiting || snap.Halt != HaltStopped || snap.Listening {
		t.Fatalf("unexpected snapshot after stop %+v", snap)
	}
	if v.stops == 0 {
		t.Fatalf("voice not stopped")
	}
}

func TestManualEditDuringExtractionWins(t *testing.T) {
	ext := &fakeExtractor{release: make(chan struct{}), started: make(chan struct{}, 1)}
	c, _, _ := newTestController(ext, 3)
	start(t, c)
	if err := c.HandleTranscript("Rahul"); err != nil {
		t.Fatalf("transcript: %v", err)
	}
	<-ext.started
	if err := c.EditField(models.FieldFullName, "Rahul Kumar"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	close(ext.release)
	c.Wait()
	snap := c.Snapshot()
	if snap.Form.FullName != "Rahul Kumar" || snap.Cursor != 1 {
		t.Fatalf("manual edit overwritten or dialog stuck: %+v", snap)
	}
}

func TestEditFieldNeverMovesCursor(t *testing.T) {
	c, _, _ := newTestController(&fakeExtractor{}, 3)
	start(t, c)
	if err := c.EditField(models.FieldAddress, " Lucknow "); err != nil {
		t.Fatalf("edit: %v", err)
	}
	snap := c.Snapshot()
	if snap.Cursor != 0 || snap.Form.Address != "Lucknow" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if err := c.EditField("email", "x"); !errors.Is(err, ErrInvalidField) {
		t.Fatalf("expected ErrInvalidField, got %v", err)
	}
}

func TestStartOnCompleteFormStaysIdle(t *testing.T) {
	c, v, _ := newTestController(&fakeExtractor{}, 3)
	for _, def := range models.DefaultFields {
		if err := c.EditField(def.ID, "x"); err != nil {
			t.Fatalf("edit: %v", err)
		}
	}
	start(t, c)
	if snap := c.Snapshot(); snap.State != StateIdle || snap.Cursor != -1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if len(v.spoken) != 0 {
		t.Fatalf("nothing should be spoken: %v", v.spoken)
	}
}

func TestTranscriptOutsideAwaitingRejected(t *testing.T) {
	c, _, _ := newTestController(&fakeExtractor{}, 3)
	if err := c.HandleTranscript("Rahul"); !errors.Is(err, ErrNotAwaiting) {
		t.Fatalf("expected ErrNotAwaiting, got %v", err)
	}
}

func TestListenFailureHaltsVisibly(t *testing.T) {
	c, v, _ := newTestController(&fakeExtractor{}, 3)
	v.listenErr = errors.New("no recognizer")
	start(t, c)
	if snap := c.Snapshot(); snap.Halt != HaltVoiceUnavailable || snap.State != StateAwaiting {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	c.HandleIdle(nil)
	if snap := c.Snapshot(); snap.Halt != HaltNoSpeech {
		t.Fatalf("idle not recorded: %+v", snap)
	}
}

func TestLoadDocumentReplacesForm(t *testing.T) {
	ext := &fakeExtractor{doc: models.FormRecord{FullName: "Rahul"}}
	c, v, _ := newTestController(ext, 3)
	if err := c.EditField(models.FieldAge, "30"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	rec, err := c.LoadDocument(context.Background(), ai.Document{MIMEType: "image/jpeg", Data: []byte{1}})
	if err != nil {
		t.Fatalf("load document: %v", err)
	}
	c.Wait()
	want := models.FormRecord{FullName: "Rahul"}
	if rec != want || c.Form() != want {
		t.Fatalf("form not replaced: %+v", c.Form())
	}
	snap := c.Snapshot()
	if snap.Cursor != -1 || snap.State != StateIdle || snap.Processing {
		t.Fatalf("cursor or state changed: %+v", snap)
	}
	if v.last() != englishPhrases.DocSuccess {
		t.Fatalf("success not announced: %v", v.spoken)
	}
}

func TestLoadDocumentErrors(t *testing.T) {
	ext := &fakeExtractor{}
	c, v, q := newTestController(ext, 3)
	if _, err := c.LoadDocument(context.Background(), ai.Document{MIMEType: "text/html"}); !errors.Is(err, ai.ErrUnsupportedDocument) {
		t.Fatalf("expected unsupported document, got %v", err)
	}
	if ext.docCalls != 0 {
		t.Fatalf("extractor called for rejected upload")
	}

	ext.docErr = errors.New("bad gateway")
	if _, err := c.LoadDocument(context.Background(), ai.Document{MIMEType: "application/pdf", Data: []byte{1}}); err == nil {
		t.Fatalf("expected error")
	}
	c.Wait()
	if v.last() != englishPhrases.DocError {
		t.Fatalf("error not announced: %v", v.spoken)
	}

	ext.docErr = fmt.Errorf("extract document: %w", ai.ErrQuotaExhausted)
	if _, err := c.LoadDocument(context.Background(), ai.Document{MIMEType: "image/png", Data: []byte{1}}); !ai.IsQuotaExhausted(err) {
		t.Fatalf("expected quota error, got %v", err)
	}
	c.Wait()
	if !q.Exhausted() || v.last() != englishPhrases.Quota {
		t.Fatalf("quota not recorded or announced")
	}
}

type docResult struct {
	record models.FormRecord
	err    error
}

// loadBlocked starts an upload and returns once the extractor holds it.
func loadBlocked(c *Controller, ext *fakeExtractor) <-chan docResult {
	ext.docStarted = make(chan struct{})
	ext.docRelease = make(chan struct{})
	out := make(chan docResult, 1)
	go func() {
		rec, err := c.LoadDocument(context.Background(), ai.Document{MIMEType: "application/pdf", Data: []byte{1}})
		out <- docResult{rec, err}
	}()
	<-ext.docStarted
	return out
}

func TestStopDuringDocumentUploadClearsProcessing(t *testing.T) {
	ext := &fakeExtractor{doc: models.FormRecord{FullName: "Rahul"}}
	c, v, _ := newTestController(ext, 3)
	done := loadBlocked(c, ext)
	if !c.Snapshot().Processing {
		t.Fatalf("upload not reported as processing")
	}

	c.Stop()
	close(ext.docRelease)
	res := <-done
	c.Wait()

	if !errors.Is(res.err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", res.err)
	}
	snap := c.Snapshot()
	if snap.Processing {
		t.Fatalf("processing stuck after interrupted upload: %+v", snap)
	}
	if c.Form() != (models.FormRecord{}) || res.record != (models.FormRecord{}) {
		t.Fatalf("discarded document applied: form=%+v returned=%+v", c.Form(), res.record)
	}
	if v.said(englishPhrases.DocSuccess) {
		t.Fatalf("success announced for discarded document")
	}
}

func TestEditDuringDocumentUploadKeepsTypedValue(t *testing.T) {
	ext := &fakeExtractor{doc: models.FormRecord{FullName: "Rahul", Age: "40"}}
	c, _, _ := newTestController(ext, 3)
	done := loadBlocked(c, ext)

	if err := c.EditField(models.FieldAge, "30"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	close(ext.docRelease)
	res := <-done
	c.Wait()

	if res.err != nil {
		t.Fatalf("load document: %v", res.err)
	}
	want := models.FormRecord{FullName: "Rahul", Age: "30"}
	if c.Form() != want || res.record != want {
		t.Fatalf("typed value lost: form=%+v returned=%+v", c.Form(), res.record)
	}
	if c.Snapshot().Processing {
		t.Fatalf("processing not cleared")
	}
}

func TestResetDuringDocumentUpload(t *testing.T) {
	ext := &fakeExtractor{doc: models.FormRecord{FullName: "Rahul"}}
	c, _, _ := newTestController(ext, 3)
	done := loadBlocked(c, ext)

	c.Reset()
	if c.Snapshot().Processing {
		t.Fatalf("reset left processing set")
	}
	close(ext.docRelease)
	if res := <-done; !errors.Is(res.err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", res.err)
	}
	c.Wait()
	if c.Form() != (models.FormRecord{}) || c.Snapshot().Processing {
		t.Fatalf("stale upload changed state: %+v", c.Snapshot())
	}
}

func TestEmitDropsOlderSnapshots(t *testing.T) {
	c, _, _ := newTestController(&fakeExtractor{}, 3)
	older := c.Snapshot()
	newer := c.Snapshot()
	var got []uint64
	c.OnChange(func(s Snapshot) { got = append(got, s.seq) })

	c.emit(newer)
	c.emit(older)
	c.emit(newer)

	if len(got) != 1 || got[0] != newer.seq {
		t.Fatalf("unexpected deliveries %v (older=%d newer=%d)", got, older.seq, newer.seq)
	}
}

func TestOnChangeReceivesSnapshots(t *testing.T) {
	c, _, _ := newTestController(&fakeExtractor{}, 3)
	var mu sync.Mutex
	var states []State
	c.OnChange(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})
	start(t, c)
	c.Reset()
	mu.Lock()
	defer mu.Unlock()
	if len(states) < 2 || states[0] != StateAwaiting || states[len(states)-1] != StateIdle {
		t.Fatalf("unexpected state history %v", states)
	}
}

func TestIsSkipPhrase(t *testing.T) {
	for _, text := range []string{"SKIP", "I don't know", "पता नहीं भाई", "अगला सवाल", "please go next"} {
		if !IsSkipPhrase(text) {
			t.Fatalf("%q not detected as skip", text)
		}
	}
	for _, text := range []string{"Rahul", "मेरा नाम राहुल है", "30"} {
		if IsSkipPhrase(text) {
			t.Fatalf("%q detected as skip", text)
		}
	}
}

func TestHindiPhrases(t *testing.T) {
	if PhrasesFor(models.LanguageHindi).Confirm != "ठीक है।" || PhrasesFor(models.LanguageEnglish).Confirm != "Noted." {
		t.Fatalf("unexpected confirmation phrases")
	}
}
