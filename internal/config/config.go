package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string
	// PublicURL is the externally reachable base URL Twilio calls back on.
	PublicURL string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	OperatorToken    string

	ElevenLabsAPIKey       string
	ElevenLabsAgentID      string
	ElevenLabsRequiresAuth bool
	ElevenLabsWSURL        string
	ElevenLabsAPIURL       string

	RecordCalls            bool
	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseBucket         string

	QueueCapacity int
	PushTimeout   time.Duration
	PopTimeout    time.Duration
	StopTimeout   time.Duration
	EndTimeout    time.Duration
	WriteTimeout  time.Duration
}

// Load reads .env and environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it: %v", err)
	}

	cfg := Config{
		HTTPAddress: getEnv("HTTP_ADDRESS", ":8080"),
		PublicURL:   strings.TrimRight(os.Getenv("PUBLIC_URL"), "/"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		OperatorToken:    os.Getenv("OPERATOR_TOKEN"),

		ElevenLabsAPIKey:       os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsAgentID:      os.Getenv("ELEVENLABS_AGENT_ID"),
		ElevenLabsRequiresAuth: getBool("ELEVENLABS_REQUIRE_AUTH", false),
		ElevenLabsWSURL:        os.Getenv("ELEVENLABS_WS_URL"),
		ElevenLabsAPIURL:       os.Getenv("ELEVENLABS_API_URL"),

		RecordCalls:            getBool("RECORD_CALLS", false),
		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:         getEnv("SUPABASE_BUCKET", "voice-recording"),

		QueueCapacity: getInt("RELAY_QUEUE_CAPACITY", 500),
		PushTimeout:   getDuration("RELAY_PUSH_TIMEOUT", 20*time.Millisecond),
		PopTimeout:    getDuration("RELAY_POP_TIMEOUT", 100*time.Millisecond),
		StopTimeout:   getDuration("RELAY_STOP_TIMEOUT", time.Second),
		EndTimeout:    getDuration("RELAY_END_TIMEOUT", 5*time.Second),
		WriteTimeout:  getDuration("RELAY_WRITE_TIMEOUT", 5*time.Second),
	}

	if cfg.ElevenLabsAgentID == "" {
		log.Println("Warning: ELEVENLABS_AGENT_ID not set - media streams will be rejected")
	}
	if cfg.ElevenLabsRequiresAuth && cfg.ElevenLabsAPIKey == "" {
		log.Println("Warning: ELEVENLABS_REQUIRE_AUTH is set but ELEVENLABS_API_KEY is empty")
	}
	if cfg.TwilioAuthToken == "" {
		log.Println("Warning: TWILIO_AUTH_TOKEN not set - Twilio webhooks will be rejected")
	}
	if cfg.PublicURL == "" {
		log.Println("Warning: PUBLIC_URL not set - stream urls are derived from the request host")
	}
	if cfg.RecordCalls && (cfg.SupabaseURL == "" || cfg.SupabaseServiceRoleKey == "") {
		log.Println("Warning: RECORD_CALLS is set without Supabase credentials - recordings stay on Twilio")
	}

	log.Printf("config: HTTP_ADDRESS=%s", cfg.HTTPAddress)
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("Warning: %s=%q is not a boolean, using %t", key, raw, defaultValue)
		return defaultValue
	}
	return v
}

func getInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		log.Printf("Warning: %s=%q is not a positive integer, using %d", key, raw, defaultValue)
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v < 0 {
		log.Printf("Warning: %s=%q is not a duration, using %s", key, raw, defaultValue)
		return defaultValue
	}
	return v
}
