package main

import (
	"context"
	"encoding/base64"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authhub.org/internal/httpapi"
	"authhub.org/internal/oauth"
	"authhub.org/internal/obs"
	"authhub.org/internal/store/pg"
	"authhub.org/internal/tenant"
	"authhub.org/internal/token"
	"authhub.org/internal/webhook"
)

var version = "0.3.0"

const codeSweepInterval = 5 * time.Minute

func main() {
	obs.Init()

	dsn := os.Getenv("AUTHHUB_PG_DSN")
	if dsn == "" {
		log.Fatal("AUTHHUB_PG_DSN is required")
	}
	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	devMode := os.Getenv("AUTHHUB_DEV_MODE") == "1"
	var masterKey []byte
	if raw := os.Getenv("AUTHHUB_MASTER_KEY"); raw != "" {
		masterKey, err = base64.StdEncoding.DecodeString(raw)
		if err != nil {
			log.Fatalf("decode AUTHHUB_MASTER_KEY: %v", err)
		}
	}
	vault, err := webhook.NewVault(masterKey, devMode)
	if err != nil {
		log.Fatalf("init secret vault: %v", err)
	}

	ctx := context.Background()

	resolver, err := tenant.NewResolver(store)
	if err != nil {
		log.Fatalf("init resolver: %v", err)
	}

	var tokenOpts []token.Option
	if issuer := os.Getenv("AUTHHUB_ISSUER"); issuer != "" {
		tokenOpts = append(tokenOpts, token.WithIssuer(issuer))
	}
	tokens, err := token.NewService(ctx, store.Keys(), store.RefreshTokens(), tokenOpts...)
	if err != nil {
		log.Fatalf("init token service: %v", err)
	}

	var oauthOpts []oauth.Option
	if loginURL := os.Getenv("AUTHHUB_LOGIN_URL"); loginURL != "" {
		oauthOpts = append(oauthOpts, oauth.WithLoginURL(loginURL))
	}
	authz, err := oauth.NewService(store.Clients(), store.Codes(), resolver, tokens, oauthOpts...)
	if err != nil {
		log.Fatalf("init oauth service: %v", err)
	}

	dispatcher, err := webhook.NewDispatcher(store.WebhookEndpoints(), store.WebhookDeliveries(), vault)
	if err != nil {
		log.Fatalf("init webhook dispatcher: %v", err)
	}

	api := httpapi.New(httpapi.Config{
		Authorizer: authz,
		Tokens:     tokens,
		Tenants:    store,
		Resolver:   resolver,
		Clients:    store.Clients(),
		Endpoints:  store.WebhookEndpoints(),
		Vault:      vault,
		Dispatcher: dispatcher,
		Ready:      httpapi.ReadyProbe{DB: store.DB()},
		Version:    version,

		AdminAudience: os.Getenv("AUTHHUB_ADMIN_CLIENT_ID"),
	})

	httpAddr := os.Getenv("AUTHHUB_HTTP_ADDR")
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Expired authorization codes are short-lived garbage; sweep them in the
	// background.
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(codeSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepDone:
				return
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if n, err := authz.SweepExpiredCodes(sweepCtx); err != nil {
					log.Printf("code sweep: %v", err)
				} else if n > 0 {
					log.Printf("code sweep removed %d expired codes", n)
				}
				cancel()
			}
		}
	}()

	var grpcStop func()
	if grpcAddr := os.Getenv("AUTHHUB_GRPC_ADDR"); grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv, stop := httpapi.NewGRPCHealthServer(httpapi.ReadyProbe{DB: store.DB()})
		grpcStop = stop
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				log.Printf("grpc serve: %v", err)
			}
		}()
		log.Printf("gRPC health on %s", grpcAddr)
	}

	log.Printf("Starting %s %s on %s", "authhub-api", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	close(sweepDone)
	if grpcStop != nil {
		grpcStop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	dispatcher.Wait()
	log.Println("Stopped")
}
