package httpserver

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/twiml"

	"github.com/chadiek/call-relay/internal/mediastream"
	twiliomw "github.com/chadiek/call-relay/internal/middleware"
	"github.com/chadiek/call-relay/internal/relay"
)

const (
	mediaStreamPath     = "/media-stream"
	recordingStatusPath = "/twilio/recording-status"
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

type streamParam struct {
	name, value string
}

// streamTwiML answers a call by connecting it to this server's media stream.
func (s *Server) streamTwiML(c echo.Context, params ...streamParam) (string, error) {
	inner := make([]twiml.Element, 0, len(params))
	for _, p := range params {
		if p.value == "" {
			continue
		}
		inner = append(inner, &twiml.VoiceParameter{Name: p.name, Value: p.value})
	}
	stream := &twiml.VoiceStream{Url: s.deps.Twilio.BuildStreamURL(c, mediaStreamPath), InnerElements: inner}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	return twiml.Voice([]twiml.Element{connect})
}

func (s *Server) inboundCall(c echo.Context) error {
	params := twiliomw.Params(c)
	if params == nil {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}

	fromNumber := params["From"]
	toNumber := params["To"]
	c.Echo().Logger.Infof("Call %s from %s to %s - connecting media stream", params["CallSid"], fromNumber, toNumber)

	response, err := s.streamTwiML(c,
		streamParam{"direction", "inbound"},
		streamParam{"caller", fromNumber},
		streamParam{"callee", toNumber},
	)
	if err != nil {
		s.deps.Metrics.Webhook("inbound-call", "error")
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	s.deps.Metrics.Webhook("inbound-call", "ok")
	c.Response().Header().Set(echo.HeaderContentType, "application/xml")
	return c.String(http.StatusOK, response)
}

func (s *Server) recordingStatus(c echo.Context) error {
	params := twiliomw.Params(c)
	if params == nil {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	status := params["RecordingStatus"]
	recordingURL := params["RecordingUrl"]
	recordingSid := params["RecordingSid"]
	callSid := params["CallSid"]
	c.Echo().Logger.Infof("Recording %s for CallSid=%s: %s (duration %ss)", recordingSid, callSid, status, params["RecordingDuration"])

	if status != "completed" || recordingURL == "" {
		s.deps.Metrics.Webhook("recording-status", "ignored")
		return c.String(http.StatusOK, "OK")
	}

	fileName := fmt.Sprintf("recording_%s_%s.wav", callSid, recordingSid)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.deps.Twilio.UploadRecordingToStorage(ctx, recordingURL, fileName); err != nil {
			log.Printf("Failed to upload recording %s: %v", recordingSid, err)
			return
		}
		log.Printf("Recording uploaded: %s", fileName)
	}()
	s.deps.Metrics.Webhook("recording-status", "ok")
	return c.String(http.StatusOK, "OK")
}

func (s *Server) mediaStream(c echo.Context) error {
	if s.deps.Conversations == nil {
		return c.String(http.StatusServiceUnavailable, "conversational agent not configured")
	}
	var recordingCallback string
	if s.deps.Twilio.RecordingEnabled() {
		recordingCallback = s.deps.Twilio.BuildAbsoluteURL(c, recordingStatusPath)
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("media stream upgrade error: %v", err)
		return nil
	}

	ctrl := relay.NewController(conn, s.deps.Conversations, s.relayCfg,
		relay.WithMetrics(s.deps.Metrics),
		relay.WithStreamStartHook(func(info mediastream.StartInfo) {
			if recordingCallback == "" || info.CallSID == "" {
				return
			}
			go s.startRecording(info.CallSID, recordingCallback)
		}),
	)
	if !s.track(ctrl) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return nil
	}
	defer s.untrack(ctrl)

	log.Printf("[%s] media stream accepted from %s", ctrl.ID(), c.RealIP())
	if err := ctrl.Run(context.Background()); err != nil {
		log.Printf("[%s] session ended with error: %v", ctrl.ID(), err)
	}
	return nil
}

func (s *Server) startRecording(callSid, callbackURL string) {
	if err := s.deps.Twilio.StartCallRecording(callSid, callbackURL); err != nil {
		log.Printf("Failed to start call-level recording for CallSid=%s: %v", callSid, err)
		return
	}
	log.Printf("Started continuous recording for CallSid=%s", callSid)
}

type outboundCallRequest struct {
	To string `json:"to" form:"to"`
}

func (s *Server) outboundCall(c echo.Context) error {
	if s.cfg.OperatorToken == "" {
		return c.String(http.StatusForbidden, "outbound calls disabled: OPERATOR_TOKEN not set")
	}
	if !operatorAuthOK(c.Request(), s.cfg.OperatorToken) {
		return c.String(http.StatusUnauthorized, "unauthorized")
	}
	var req outboundCallRequest
	if err := c.Bind(&req); err != nil {
		return c.String(http.StatusBadRequest, "invalid request body")
	}
	to := strings.TrimSpace(req.To)
	if !e164.MatchString(to) {
		return c.String(http.StatusBadRequest, "to must be an E.164 phone number")
	}

	response, err := s.streamTwiML(c,
		streamParam{"direction", "outbound"},
		streamParam{"caller", s.deps.Twilio.FromNumber()},
		streamParam{"callee", to},
	)
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	callSid, err := s.deps.Twilio.PlaceCall(to, response)
	if err != nil {
		c.Echo().Logger.Errorf("Outbound call to %s failed: %v", to, err)
		return c.String(http.StatusBadGateway, "failed to place call")
	}
	c.Echo().Logger.Infof("Outbound call %s placed to %s", callSid, to)
	return c.JSON(http.StatusCreated, map[string]string{"callSid": callSid})
}

// operatorAuthOK accepts "Authorization: Bearer <token>" or "X-Auth-Token: <token>".
func operatorAuthOK(r *http.Request, token string) bool {
	if r == nil || token == "" {
		return false
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if tokenEqual(strings.TrimSpace(ah[len("Bearer "):]), token) {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && tokenEqual(x, token) {
		return true
	}
	return false
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
