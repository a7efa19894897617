package worker

import (
	"context"

	"bollipi/internal/dialog"
	"bollipi/internal/models"
	"bollipi/internal/service/ai"
	"bollipi/internal/voice"
)

// Engine is the model backend shared by all sessions.
type Engine interface {
	dialog.Extractor
	voice.Synthesizer
}

// queuedEngine routes a session's engine calls through the dispatcher.
type queuedEngine struct {
	dispatcher *Dispatcher
	sessionID  string
	engine     Engine
}

func (q *queuedEngine) ExtractField(ctx context.Context, transcript string, field models.FieldID, label string) (models.ExtractionResult, error) {
	return submit(ctx, q, func(ctx context.Context) (models.ExtractionResult, error) {
		return q.engine.ExtractField(ctx, transcript, field, label)
	})
}

func (q *queuedEngine) ExtractFromDocument(ctx context.Context, doc ai.Document) (models.FormRecord, error) {
	return submit(ctx, q, func(ctx context.Context) (models.FormRecord, error) {
		return q.engine.ExtractFromDocument(ctx, doc)
	})
}

func (q *queuedEngine) Synthesize(ctx context.Context, text string, lang models.Language) (voice.Audio, error) {
	return submit(ctx, q, func(ctx context.Context) (voice.Audio, error) {
		return q.engine.Synthesize(ctx, text, lang)
	})
}

func submit[T any](ctx context.Context, q *queuedEngine, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	var zero T
	ch := make(chan result, 1)
	err := q.dispatcher.Submit(Job{
		SessionID: q.sessionID,
		Run: func() {
			if err := ctx.Err(); err != nil {
				ch <- result{err: err}
				return
			}
			val, err := fn(ctx)
			ch <- result{val: val, err: err}
		},
		Drop: func() { ch <- result{err: ErrJobDropped} },
	})
	if err != nil {
		return zero, err
	}
	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
