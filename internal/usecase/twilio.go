package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// ErrMissingCredentials is returned by REST operations when the account sid or auth token is empty.
var ErrMissingCredentials = errors.New("missing Twilio credentials: TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN required")

// Storage abstracts file upload behavior for recordings.
type Storage interface {
	Upload(objectKey string, contentType string, body []byte) error
}

// TwilioService defines Twilio-related operations used by HTTP layer.
type TwilioService interface {
	StartCallRecording(callSid string, absoluteCallbackURL string) error
	UploadRecordingToStorage(ctx context.Context, recordingURL string, fileName string) error
	PlaceCall(to string, twimlDoc string) (string, error)
	BuildAbsoluteURL(c echo.Context, path string) string
	BuildStreamURL(c echo.Context, path string) string
	FromNumber() string
	RecordingEnabled() bool
}

// TwilioConfig carries the account credentials and call defaults.
type TwilioConfig struct {
	AccountSID  string
	AuthToken   string
	FromNumber  string
	PublicURL   string
	RecordCalls bool
}

// callAPI is the part of the v2010 REST api this service drives.
type callAPI interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	CreateCallRecording(callSid string, params *openapi.CreateCallRecordingParams) (*openapi.ApiV2010CallRecording, error)
}

type twilioService struct {
	cfg        TwilioConfig
	api        callAPI
	storage    Storage
	httpClient *http.Client
}

// NewTwilioService builds the service on the official REST client. storage may
// be nil when recordings are not uploaded.
func NewTwilioService(cfg TwilioConfig, storage Storage) TwilioService {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilioService(cfg, client.Api, storage)
}

func newTwilioService(cfg TwilioConfig, api callAPI, storage Storage) *twilioService {
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &twilioService{
		cfg:        cfg,
		api:        api,
		storage:    storage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *twilioService) FromNumber() string { return s.cfg.FromNumber }

func (s *twilioService) RecordingEnabled() bool { return s.cfg.RecordCalls }

func (s *twilioService) hasCredentials() bool {
	return s.cfg.AccountSID != "" && s.cfg.AuthToken != ""
}

// BuildAbsoluteURL builds a public absolute URL for callbacks.
// Priority: PUBLIC_URL > X-Forwarded-* headers > request Host heuristic.
func (s *twilioService) BuildAbsoluteURL(c echo.Context, path string) string {
	baseURL := s.cfg.PublicURL
	if baseURL == "" {
		proto := c.Request().Header.Get("X-Forwarded-Proto")
		host := c.Request().Header.Get("X-Forwarded-Host")
		if proto != "" && host != "" {
			baseURL = fmt.Sprintf("%s://%s", proto, host)
		}
	}
	if baseURL == "" {
		host := c.Request().Host
		proto := "https"
		if strings.HasPrefix(host, "localhost:") || strings.HasPrefix(host, "127.0.0.1:") {
			proto = "http"
		}
		baseURL = fmt.Sprintf("%s://%s", proto, host)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return baseURL + path
}

// BuildStreamURL is BuildAbsoluteURL with the matching WebSocket scheme.
func (s *twilioService) BuildStreamURL(c echo.Context, path string) string {
	u := s.BuildAbsoluteURL(c, path)
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// StartCallRecording creates a single continuous recording on an in-progress call via Twilio's REST API.
func (s *twilioService) StartCallRecording(callSid, absoluteCallbackURL string) error {
	if !s.hasCredentials() {
		return ErrMissingCredentials
	}
	params := &openapi.CreateCallRecordingParams{}
	params.SetRecordingStatusCallback(absoluteCallbackURL)
	params.SetRecordingStatusCallbackMethod("POST")
	params.SetRecordingStatusCallbackEvent([]string{"in-progress", "completed", "absent"})
	params.SetTrim("do-not-trim")
	params.SetRecordingChannels("mono")
	params.SetRecordingTrack("both")

	if _, err := s.api.CreateCallRecording(callSid, params); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}
	return nil
}

// PlaceCall dials to from the configured number and runs twimlDoc once answered.
// It returns the new call sid.
func (s *twilioService) PlaceCall(to, twimlDoc string) (string, error) {
	if !s.hasCredentials() {
		return "", ErrMissingCredentials
	}
	if s.cfg.FromNumber == "" {
		return "", errors.New("missing TWILIO_FROM_NUMBER: required to place outbound calls")
	}
	params := &openapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(s.cfg.FromNumber)
	params.SetTwiml(twimlDoc)

	call, err := s.api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("failed to place call: %w", err)
	}
	if call == nil || call.Sid == nil {
		return "", errors.New("failed to place call: response has no call sid")
	}
	return *call.Sid, nil
}

// UploadRecordingToStorage downloads Twilio recording and uploads to storage backend.
func (s *twilioService) UploadRecordingToStorage(ctx context.Context, recordingURL, fileName string) error {
	if !s.hasCredentials() {
		return ErrMissingCredentials
	}
	if s.storage == nil {
		return errors.New("recording storage not configured")
	}
	mediaURL := recordingURL + ".wav"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request to Twilio recording URL: %w", err)
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download recording: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyPreview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("failed to download recording, status %d: %s", resp.StatusCode, string(bodyPreview))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read recording: %w", err)
	}

	if err := s.storage.Upload(fileName, "audio/wav", body); err != nil {
		return fmt.Errorf("failed to upload to storage: %w", err)
	}
	return nil
}
