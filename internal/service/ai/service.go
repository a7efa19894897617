package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"mime"
	"strconv"
	"strings"

	"bollipi/internal/config"
	"bollipi/internal/models"
	"bollipi/internal/voice"

	"google.golang.org/genai"
)

var (
	// ErrQuotaExhausted marks rate-limit or usage-limit failures from the provider.
	ErrQuotaExhausted = errors.New("ai quota exhausted")
	// ErrUnsupportedDocument is returned before any network call for uploads
	// outside the allow-list.
	ErrUnsupportedDocument = errors.New("unsupported document type")
	ErrNotConfigured       = errors.New("gemini api key not configured")
	errNoAudio             = errors.New("synthesis returned no audio")
)

// generator is the slice of the genai models API the service needs.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// newGenerator builds the production generator; tests replace it.
var newGenerator = func(ctx context.Context, apiKey string) (generator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return client.Models, nil
}

// Service talks to Gemini for field extraction, document extraction and speech.
type Service struct {
	gen      generator
	model    string
	ttsModel string
	voice    string
}

// Document is an uploaded file to extract a whole form from.
type Document struct {
	Name     string
	MIMEType string
	Data     []byte
}

var allowedDocumentTypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/jpg":       {},
	"image/png":       {},
	"image/webp":      {},
	"application/pdf": {},
}

// NewService constructs the Gemini-backed service from the provider block.
func NewService(ctx context.Context, prov config.ProviderConfig) (*Service, error) {
	if strings.TrimSpace(prov.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	gen, err := newGenerator(ctx, prov.APIKey)
	if err != nil {
		return nil, err
	}
	return &Service{
		gen:      gen,
		model:    prov.Model,
		ttsModel: prov.TTSModel,
		voice:    prov.Voice,
	}, nil
}

// ExtractField interprets one spoken answer for the field. An empty result
// that is not skipped means the answer could not be understood.
func (s *Service) ExtractField(ctx context.Context, transcript string, field models.FieldID, label string) (models.ExtractionResult, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"value": {
					Type:        genai.TypeString,
					Description: "The extracted value, empty when nothing usable was said",
				},
				"isSkipped": {
					Type:        genai.TypeBoolean,
					Description: "True when the speaker refused, skipped or does not know",
				},
			},
			Required: []string{"isSkipped"},
		},
	}
	resp, err := s.gen.GenerateContent(ctx, s.model, genai.Text(fieldPrompt(transcript, field, label)), cfg)
	if err != nil {
		return models.ExtractionResult{}, classify("extract field", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return models.ExtractionResult{}, nil
	}
	var result models.ExtractionResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return models.ExtractionResult{}, fmt.Errorf("decode extraction: %w", err)
	}
	result.Value = strings.TrimSpace(result.Value)
	if result.IsSkipped {
		result.Value = ""
	}
	return result, nil
}

// ExtractFromDocument reads an identity document or form scan into a record.
// Fields the model cannot find come back empty.
func (s *Service) ExtractFromDocument(ctx context.Context, doc Document) (models.FormRecord, error) {
	mimeType, err := CheckDocumentType(doc.MIMEType)
	if err != nil {
		return models.FormRecord{}, err
	}
	if len(doc.Data) == 0 {
		return models.FormRecord{}, errors.New("document is empty")
	}

	props := make(map[string]*genai.Schema, len(models.DefaultFields))
	for _, def := range models.DefaultFields {
		props[string(def.ID)] = &genai.Schema{Type: genai.TypeString, Description: def.LabelEn}
	}
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema: &genai.Schema{
			Type:       genai.TypeObject,
			Properties: props,
		},
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(doc.Data, mimeType),
			genai.NewPartFromText(documentPrompt),
		}, genai.RoleUser),
	}
	resp, err := s.gen.GenerateContent(ctx, s.model, contents, cfg)
	if err != nil {
		return models.FormRecord{}, classify("extract document", err)
	}
	var record models.FormRecord
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return record, nil
	}
	if err := json.Unmarshal([]byte(text), &record); err != nil {
		return models.FormRecord{}, fmt.Errorf("decode document extraction: %w", err)
	}
	for _, def := range models.DefaultFields {
		_ = record.Set(def.ID, strings.TrimSpace(record.Get(def.ID)))
	}
	return record, nil
}

// Synthesize renders text as speech in lang.
func (s *Service) Synthesize(ctx context.Context, text string, lang models.Language) (voice.Audio, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: s.voice},
			},
		},
	}
	resp, err := s.gen.GenerateContent(ctx, s.ttsModel, genai.Text(speechPrompt(text, lang)), cfg)
	if err != nil {
		err = classify("synthesize speech", err)
		if IsQuotaExhausted(err) {
			log.Printf("voice: tts quota exhausted")
		}
		return voice.Audio{}, err
	}
	blob := firstInlineData(resp)
	if blob == nil || len(blob.Data) == 0 {
		return voice.Audio{}, errNoAudio
	}
	return voice.Audio{
		Data:       blob.Data,
		MIMEType:   blob.MIMEType,
		SampleRate: sampleRate(blob.MIMEType),
	}, nil
}

// CheckDocumentType normalizes a content type and reports whether it may be
// sent for extraction.
func CheckDocumentType(contentType string) (string, error) {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = parsed
	}
	if _, ok := allowedDocumentTypes[mediaType]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDocument, contentType)
	}
	return mediaType, nil
}

// IsQuotaExhausted reports whether err is a quota failure.
func IsQuotaExhausted(err error) bool {
	return errors.Is(err, ErrQuotaExhausted)
}

func classify(op string, err error) error {
	if isQuotaError(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrQuotaExhausted, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isQuotaError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && quotaStatus(apiErr.Code, apiErr.Status) {
		return true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil && quotaStatus(apiErrPtr.Code, apiErrPtr.Status) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quota") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted")
}

func quotaStatus(code int, status string) bool {
	return code == 429 || strings.EqualFold(status, "RESOURCE_EXHAUSTED")
}

func firstInlineData(resp *genai.GenerateContentResponse) *genai.Blob {
	if resp == nil {
		return nil
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.InlineData != nil {
				return part.InlineData
			}
		}
	}
	return nil
}

// sampleRate reads the rate parameter of an "audio/L16;rate=24000" type.
func sampleRate(mimeType string) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err == nil {
		if rate, convErr := strconv.Atoi(params["rate"]); convErr == nil && rate > 0 {
			return rate
		}
	}
	return voice.DefaultSampleRate
}
