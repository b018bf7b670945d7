package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cachemir/zonecache/internal/memserver"
)

func main() {
	port := 11311
	if v := os.Getenv("ZONECACHE_MEMSERVER_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("invalid ZONECACHE_MEMSERVER_PORT: %v", err)
		}
		port = p
	}

	log.Printf("starting reference memcached-style backend on port %d", port)

	srv := memserver.New(port)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("server failed to start: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("shutting down")

	if err := srv.Stop(); err != nil {
		log.Printf("error stopping server: %v", err)
	}

	log.Println("stopped")
}
