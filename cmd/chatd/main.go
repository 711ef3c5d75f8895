package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agent-command/chatd/internal/config"
	"github.com/agent-command/chatd/internal/convo"
	"github.com/agent-command/chatd/internal/metrics"
	"github.com/agent-command/chatd/internal/permission"
	"github.com/agent-command/chatd/internal/protocol"
	"github.com/agent-command/chatd/internal/session"
	"github.com/agent-command/chatd/internal/transcript"
	"github.com/agent-command/chatd/internal/ws"
)

const Version = "0.1.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("chatd %s\n", Version)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}

	runDaemon()
}

func printHelp() {
	fmt.Println(`chatd - streaming agent session client

Usage:
  chatd [flags]         Run the daemon
  chatd version         Print version
  chatd help            Show this help

Flags:
  -config string        Path to config file (default "/etc/chatd/config.yaml")`)
}

func runDaemon() {
	configPath := flag.String("config", "/etc/chatd/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	metrics.Serve(cfg.Metrics.Listen)

	store, err := transcript.NewStore(cfg.Storage.StateDir, cfg.Storage.TranscriptMaxBytes)
	if err != nil {
		log.Fatalf("Failed to open transcript store: %v", err)
	}

	manager := ws.NewManager(
		cfg.Endpoint.URL,
		cfg.Endpoint.Token,
		time.Duration(cfg.Endpoint.ReconnectDelayMs)*time.Millisecond,
		protocol.Capabilities{
			Permissions:         true,
			DiffRendering:       true,
			StructuredQuestions: true,
		},
	)

	controller := session.NewController(manager, store, ws.Params{
		Mode:              cfg.Session.Mode,
		Model:             cfg.Session.Model,
		MaxTurns:          cfg.Session.MaxTurns,
		MaxBudgetUSD:      cfg.Session.MaxBudgetUSD,
		MaxThinkingTokens: cfg.Session.MaxThinkingTokens,
		AllowedTools:      cfg.Session.AllowedTools,
		DisallowedTools:   cfg.Session.DisallowedTools,
	})
	controller.SetTurnHandler(func(turn *convo.Turn) {
		log.Printf("Turn complete: %d parts", len(turn.Parts))
	})
	controller.SetPermissionHandler(func(req *permission.Request) {
		log.Printf("Permission requested: %s (%s)", req.ToolName, req.ID)
	})
	controller.SetErrorHandler(func(kind, message string) {
		log.Printf("Surfaced %s error: %s", kind, message)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := controller.Start(ctx); err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}
	log.Printf("Session %s connected to %s", controller.SessionID(), cfg.Endpoint.URL)

	go watchConfig(*configPath, controller)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	controller.Stop()
}

// watchConfig reapplies the mutable session parameters when the config file
// changes. Endpoint changes need a process restart and are ignored here.
func watchConfig(path string, controller *session.Controller) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("Config watch unavailable: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		log.Printf("Config watch unavailable: %v", err)
		return
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := config.LoadConfig(path)
			if err != nil {
				log.Printf("Config reload failed: %v", err)
				continue
			}
			log.Printf("Config changed, applying session parameters")
			if err := controller.SetMode(cfg.Session.Mode); err != nil {
				log.Printf("Mode change failed: %v", err)
			}
			if err := controller.SetModel(cfg.Session.Model); err != nil {
				log.Printf("Model change failed: %v", err)
			}
			if err := controller.SetMaxThinkingTokens(cfg.Session.MaxThinkingTokens); err != nil {
				log.Printf("Thinking budget change failed: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Config watch error: %v", err)
		}
	}
}
