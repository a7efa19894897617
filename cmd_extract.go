package main

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"bollipi/internal/service/ai"
)

func newExtractCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "extract <file>",
		Short: "Extract form fields from an identity document",
		Long: `Send an image or PDF of a document to Gemini and print the extracted
form as JSON. Accepted types: JPEG, PNG, WebP and PDF.`,
		Args: cobra.ExactArgs(1),
		RunE: extractE,
	}
}

func extractE(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	mimeType, err := ai.CheckDocumentType(documentType(path, data))
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, err := ai.NewService(cmd.Context(), cfg.Gemini())
	if err != nil {
		return fmt.Errorf("init ai service: %w", err)
	}
	record, err := svc.ExtractFromDocument(cmd.Context(), ai.Document{
		Name:     filepath.Base(path),
		MIMEType: mimeType,
		Data:     data,
	})
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(record)
}

// documentType prefers the extension and falls back to sniffing.
func documentType(path string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}
