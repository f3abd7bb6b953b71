package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omochice/socketeer/internal/server"
)

func main() {
	// Parse command-line flags
	addr := flag.String("addr", ":8080", "Address to listen on (e.g., :8080)")
	gorilla := flag.Bool("gorilla", false, "Accept connections with gorilla/websocket instead of gobwas/ws")
	flag.Parse()

	var opts []server.Option
	if *gorilla {
		opts = append(opts, server.WithGorilla())
	}
	srv := server.New(*addr, opts...)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := srv.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Printf("Clients connect to %s", srv.URL())

	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := srv.Drain(ctx, "server shutting down"); err != nil {
		log.Printf("Failed to drain sessions: %v", err)
	}
	cancel()
	srv.Stop()

	log.Println("Server stopped")
}
