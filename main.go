package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/cloudcodex/gateway/internal/broker"
	"github.com/cloudcodex/gateway/internal/config"
	"github.com/cloudcodex/gateway/internal/domain"
	"github.com/cloudcodex/gateway/internal/gateway"
	"github.com/cloudcodex/gateway/internal/policy"
	"github.com/cloudcodex/gateway/internal/protocol"
	"github.com/cloudcodex/gateway/internal/registry"
	"github.com/cloudcodex/gateway/internal/store"
	"github.com/cloudcodex/gateway/internal/supervisor"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting cloud-codex gateway...")
	log.Printf("WebSocket Port: %d", cfg.WSPort)
	log.Printf("Internal Port: %d", cfg.InternalPort)
	log.Printf("Workspace Root: %s", cfg.WorkspaceRoot)
	log.Printf("Agent Command: %s", cfg.AgentCommand)

	// Initialize audit store
	auditStore, err := store.NewSQLiteStore(cfg.AuditDBURL)
	if err != nil {
		log.Fatalf("Failed to initialize audit store: %v", err)
	}
	defer auditStore.Close()

	auditor := broker.NewAuditor(auditStore)

	// Initialize policy engine
	ctx := context.Background()
	regoPolicy := ""
	if cfg.PolicyRegoPath != "" {
		data, err := os.ReadFile(cfg.PolicyRegoPath)
		if err != nil {
			log.Fatalf("Failed to read policy file: %v", err)
		}
		regoPolicy = string(data)
	}
	policyEngine, err := policy.NewEngine(ctx, cfg.AutoApproveCommands, cfg.AutoApprovePaths, regoPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize approval broker
	brk := broker.New(policyEngine, auditor, cfg.ApprovalTimeout, domain.Decision(cfg.ApprovalDefaultAction))

	// Initialize session registry. The factory binds each new supervisor
	// to the broker and the registry's event hooks.
	reg := registry.New(registry.Config{
		WorkspaceRoot: cfg.WorkspaceRoot,
		IdleTimeout:   cfg.IdleTimeout,
		SweepInterval: cfg.SweepInterval,
		ClientInfo:    map[string]any{"name": "cloud-codex-gateway", "version": "0.1.0"},
	}, func(sessionID, userID, workDir string, hooks registry.Hooks) registry.AgentProcess {
		var sup *supervisor.Supervisor
		sup = supervisor.New(supervisor.Config{
			Command:        cfg.AgentCommand,
			Args:           cfg.AgentArgs,
			WorkDir:        workDir,
			RequestTimeout: cfg.RequestTimeout,
			Tap: supervisor.Tap{
				OnEvent:        hooks.OnEvent,
				OnRunUpdate:    hooks.OnRunUpdate,
				OnProcessError: hooks.OnProcessError,
				OnExit:         hooks.OnExit,
			},
			OnRequest: func(msg *protocol.Message, ev domain.RawEvent) string {
				sess := broker.SessionInfo{SessionID: sessionID, UserID: userID}
				return brk.HandleRequest(sess, sup, msg, ev)
			},
		})
		return sup
	})

	brk.OnApprovalRequest = func(pa *domain.PendingApproval, frame map[string]any) {
		reg.NotifyApproval(pa.SessionID, pa.UserID, frame)
	}
	brk.OnResolved = func(pa *domain.PendingApproval, status domain.ApprovalStatus) {
		sess, err := reg.Get(pa.SessionID)
		if err != nil {
			return
		}
		if sup, ok := sess.Agent().(*supervisor.Supervisor); ok {
			sup.InjectResolution(pa, status)
		}
	}

	// Initialize gateway server (subscribes to the registry)
	gw := gateway.NewServer(reg, brk, auditor)

	reg.StartSweeper()

	// Create client-facing Echo server
	wsServer := echo.New()
	wsServer.HideBanner = true
	wsServer.Use(middleware.Logger())
	wsServer.Use(middleware.Recover())
	gw.RegisterRoutes(wsServer)

	// Create internal Echo server
	internalServer := echo.New()
	internalServer.HideBanner = true
	internalServer.Use(middleware.Logger())
	internalServer.Use(middleware.Recover())
	gw.RegisterInternalRoutes(internalServer)

	// Start client-facing server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		if err := wsServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start gateway server: %v", err)
		}
	}()

	// Start internal server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := internalServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start internal server: %v", err)
		}
	}()

	log.Printf("Gateway started on port %d", cfg.WSPort)
	log.Printf("Internal API started on port %d", cfg.InternalPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down gateway...")

	// Stop sessions first so subprocesses exit cleanly.
	reg.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown gateway server gracefully: %v", err)
	}
	if err := internalServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown internal server gracefully: %v", err)
	}

	log.Println("Gateway stopped")
}
