package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/cashubtc/cdk-sub008/mint"
	"github.com/cashubtc/cdk-sub008/mint/cache"
	"github.com/cashubtc/cdk-sub008/mint/httpapi"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, reading configuration from the environment directly")
	}

	config := mint.GetConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := mint.LoadMint(ctx, config)
	if err != nil {
		log.Fatalf("error loading mint: %v", err)
	}

	var requestCache *cache.Cache
	if config.CacheTTLSeconds > 0 {
		requestCache, err = cache.Open(config.DBPath, time.Duration(config.CacheTTLSeconds)*time.Second)
		if err != nil {
			log.Fatalf("error setting up request cache: %v", err)
		}
	}

	router := mux.NewRouter()
	httpapi.Register(router, m, requestCache)

	port := config.Port
	if port == "" {
		port = "3338"
	}

	server := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sig
		log.Println("shutting down mint server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("error shutting down http server: %v", err)
		}
		if requestCache != nil {
			if err := requestCache.Close(); err != nil {
				log.Printf("error closing request cache: %v", err)
			}
		}
		cancel()
	}()

	log.Printf("mint listening on port %v", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("error running mint server: %v", err)
	}
}
