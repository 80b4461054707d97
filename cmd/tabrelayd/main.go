package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tabrelay/tabrelay-gateway/internal/archive"
	archivepg "github.com/tabrelay/tabrelay-gateway/internal/archive/postgres"
	archivesqlite "github.com/tabrelay/tabrelay-gateway/internal/archive/sqlite"
	"github.com/tabrelay/tabrelay-gateway/internal/broker"
	"github.com/tabrelay/tabrelay-gateway/internal/config"
	"github.com/tabrelay/tabrelay-gateway/internal/httpserver"
	"github.com/tabrelay/tabrelay-gateway/internal/ingress"
	"github.com/tabrelay/tabrelay-gateway/internal/logging"
	"github.com/tabrelay/tabrelay-gateway/internal/openai"
	"github.com/tabrelay/tabrelay-gateway/internal/session"
	"github.com/tabrelay/tabrelay-gateway/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: TABRELAY_CONFIG or ./config.yaml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		os.Stdout.WriteString(version.FullInfo() + "\n")
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	if target := strings.TrimSpace(cfg.LogFile); target != "" {
		rot, err := logging.NewRotatingWriter(target)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs.
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[tabrelayd] ")
		defer rot.Close()
	}

	var store archive.Store
	if dsn := strings.TrimSpace(cfg.ArchiveDSN); dsn != "" {
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			store, err = archivepg.New(dsn)
		} else {
			store, err = archivesqlite.New(dsn)
		}
		if err != nil {
			log.Fatalf("open archive store: %v", err)
		}
		defer store.Close()
		log.Printf("archive store enabled dsn=%s", dsn)
	} else {
		log.Printf("archive store disabled (no archive_dsn configured)")
	}

	registry := session.NewRegistry(cfg.HeartbeatTimeout, log.Default())
	br := broker.New(cfg.BridgeBuffer, log.Default())
	hub := ingress.NewHub(registry, br, log.Default())

	// Eviction cascade: close the tab's socket and fail any request still
	// bound to it.
	registry.SetEvictFunc(func(tabID string) {
		hub.CloseWorker(tabID)
		br.FailWorker(tabID)
	})

	if store != nil {
		br.SetCompletionHook(func(rc *broker.RequestContext, resp openai.ChatCompletionResponse) {
			rec := archive.Record{
				RequestID:      rc.ID,
				ConversationID: rc.ConversationID,
				TabID:          rc.TabID,
				Model:          resp.Model,
			}
			if len(resp.Choices) > 0 {
				choice := resp.Choices[0]
				rec.FinishReason = choice.FinishReason
				rec.Content = choice.Message.Content
				if len(choice.Message.ToolCalls) > 0 {
					if b, err := json.Marshal(choice.Message.ToolCalls); err == nil {
						rec.ToolCallsJSON = string(b)
					}
				}
			}
			rec.PromptTokens = resp.Usage.PromptTokens
			rec.CompletionTokens = resp.Usage.CompletionTokens

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.SaveCompletion(ctx, rec); err != nil {
				log.Printf("archive save failed request=%s: %v", rc.ID, err)
			}
		})
	}

	httpSrv := httpserver.New(registry, br, hub)
	httpSrv.SetLogger(cfg.LogLevel, log.New(log.Writer(), "[tabrelayd/http] ", log.LstdFlags|log.Lmicroseconds))

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go registry.RunSweeper(sweepCtx, cfg.SweepInterval)

	srv := &http.Server{
		Addr:        cfg.HTTPAddress,
		Handler:     httpSrv.Router(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: completion streams stay open as long as the
		// worker keeps its heartbeat.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("tabrelay gateway %s listening on %s", version.Info(), cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	stopSweep()
	hub.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
