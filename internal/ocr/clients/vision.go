package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/haulmark/payment-verifier/backend/internal/ocr"
)

// ErrDisabled is returned when no OCR endpoint is configured. It is not
// transient, so submissions are scored with an empty proof.
var ErrDisabled = errors.New("ocr service is disabled")

// VisionService calls a text-recognition HTTP endpoint.
type VisionService struct {
	logger    *slog.Logger
	apiKey    string
	apiURL    string
	client    *http.Client
	isEnabled bool

	// bounds concurrent calls to the collaborator
	semaphore chan struct{}
}

type recognizeRequest struct {
	Image    string `json:"image"`
	Language string `json:"language"`
}

type recognizeResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewVisionService(logger *slog.Logger, apiKey, apiURL string, timeout time.Duration, maxConcurrent int) *VisionService {
	isEnabled := apiURL != ""

	if !isEnabled {
		logger.Warn("OCR service is disabled due to missing api url")
	} else {
		logger.Info("OCR service initialized", "api_url", apiURL)
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &VisionService{
		logger:    logger,
		apiKey:    apiKey,
		apiURL:    strings.TrimRight(apiURL, "/"),
		client:    &http.Client{Timeout: timeout},
		isEnabled: isEnabled,
		semaphore: make(chan struct{}, maxConcurrent),
	}
}

func (s *VisionService) IsEnabled() bool {
	return s.isEnabled
}

// Recognize sends the screenshot and returns the recognized text.
func (s *VisionService) Recognize(ctx context.Context, image []byte) (ocr.Recognition, error) {
	if !s.isEnabled {
		return ocr.Recognition{}, ErrDisabled
	}

	select {
	case s.semaphore <- struct{}{}:
		defer func() { <-s.semaphore }()
	case <-ctx.Done():
		return ocr.Recognition{}, ctx.Err()
	}

	body, err := json.Marshal(recognizeRequest{
		Image:    base64.StdEncoding.EncodeToString(image),
		Language: "eng",
	})
	if err != nil {
		return ocr.Recognition{}, fmt.Errorf("failed to encode OCR request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/v1/recognize", bytes.NewReader(body))
	if err != nil {
		return ocr.Recognition{}, fmt.Errorf("failed to create OCR request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	started := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || ctx.Err() != nil {
			return ocr.Recognition{}, fmt.Errorf("%w: %v", ocr.ErrTransient, err)
		}
		return ocr.Recognition{}, fmt.Errorf("failed to send request to OCR service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		statusErr := fmt.Errorf("OCR API returned status code %d, body: %s", resp.StatusCode, string(bodyBytes))
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return ocr.Recognition{}, fmt.Errorf("%w: %v", ocr.ErrTransient, statusErr)
		}
		return ocr.Recognition{}, statusErr
	}

	var result recognizeResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ocr.Recognition{}, fmt.Errorf("failed to decode OCR response: %w", err)
	}

	s.logger.DebugContext(ctx, "OCR recognition completed",
		"duration", time.Since(started).String(),
		"text_length", len(result.Text),
		"confidence", result.Confidence)

	return ocr.Recognition{Text: result.Text, Confidence: result.Confidence}, nil
}
