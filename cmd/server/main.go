package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/chadiek/call-relay/internal/config"
	"github.com/chadiek/call-relay/internal/convai"
	httpserver "github.com/chadiek/call-relay/internal/httpserver"
	"github.com/chadiek/call-relay/internal/infra/storage"
	"github.com/chadiek/call-relay/internal/metrics"
	"github.com/chadiek/call-relay/internal/relay"
	"github.com/chadiek/call-relay/internal/usecase"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	var recordings usecase.Storage
	if cfg.RecordCalls {
		store, err := storage.NewSupabaseStorage(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey, cfg.SupabaseBucket)
		if err != nil {
			log.Printf("recording uploads disabled: %v", err)
		} else {
			recordings = store
		}
	}
	twilioService := usecase.NewTwilioService(usecase.TwilioConfig{
		AccountSID:  cfg.TwilioAccountSID,
		AuthToken:   cfg.TwilioAuthToken,
		FromNumber:  cfg.TwilioFromNumber,
		PublicURL:   cfg.PublicURL,
		RecordCalls: cfg.RecordCalls,
	}, recordings)

	var conversations relay.ConversationFactory
	agent, err := convai.NewClient(convai.Config{
		APIKey:       cfg.ElevenLabsAPIKey,
		AgentID:      cfg.ElevenLabsAgentID,
		RequiresAuth: cfg.ElevenLabsRequiresAuth,
		WSURL:        cfg.ElevenLabsWSURL,
		APIURL:       cfg.ElevenLabsAPIURL,
	})
	if err != nil {
		log.Printf("conversational agent disabled: %v", err)
	} else {
		conversations = httpserver.NewConversationFactory(agent)
	}

	srv := httpserver.New(cfg, httpserver.Deps{
		Twilio:        twilioService,
		Conversations: conversations,
		Metrics:       m,
		Gatherer:      reg,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// hijacked media streams are invisible to http.Server.Shutdown
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("media streams did not drain: %v", err)
	}
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}
