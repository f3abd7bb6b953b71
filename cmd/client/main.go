package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/omochice/socketeer/pkg/socketeer"
	"github.com/omochice/socketeer/pkg/transport"
	"github.com/omochice/socketeer/pkg/transport/gorillaws"
)

func main() {
	defaultURL := os.Getenv("SOCKETEER_URL")
	if defaultURL == "" {
		defaultURL = "ws://localhost:8080/client"
	}

	serverURL := flag.String("url", defaultURL, "Service URL (env SOCKETEER_URL)")
	group := flag.String("group", "lobby", "Group to join")
	to := flag.String("to", "", "Group to send to (defaults to -group)")
	username := flag.String("username", "", "User name sent to the service")
	gorilla := flag.Bool("gorilla", false, "Dial with gorilla/websocket instead of gobwas/ws")
	verbose := flag.Bool("v", false, "Log connection details")
	flag.Parse()

	if *username == "" {
		*username = "user-" + uuid.NewString()[:8]
	}
	if *to == "" {
		*to = *group
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	opts := []socketeer.Option{
		socketeer.WithName(*username),
		socketeer.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))),
	}
	if *gorilla {
		opts = append(opts, socketeer.WithDialer(func(ctx context.Context, addr string, protocols ...string) (transport.Transport, error) {
			return gorillaws.Dial(ctx, addr, protocols...)
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	target, err := withUser(*serverURL, *username)
	if err != nil {
		log.Fatalf("Invalid service URL: %v", err)
	}
	c, err := socketeer.Dial(ctx, target, opts...)
	if err != nil {
		log.Fatalf("Failed to connect to service: %v", err)
	}
	defer c.Close()

	log.Printf("Connected as %s (connection %s)", c.UserID(), c.ConnectionID())

	g, err := c.Join(ctx, *group)
	if err != nil {
		log.Fatalf("Failed to join %s: %v", *group, err)
	}
	defer g.Close(context.Background())

	out := g
	if *to != *group {
		out = g.Split(*to)
	}

	g.Subscribe(func(payload []byte) {
		fmt.Printf("[%s]: %s\n", *group, payload)
	})
	c.Subscribe(func(m socketeer.Message) {
		if m.Key != *group {
			fmt.Printf("[%s]: %s\n", m.Key, m.Payload)
		}
	})
	if err := c.Run(ctx); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			log.Printf("Error reading input: %v", err)
		}
	}()

	fmt.Printf("Type messages for %s (or 'quit' to exit):\n", *to)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			if err := c.Err(); err != nil {
				log.Printf("Connection ended: %v", err)
			}
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if text == "quit" || text == "exit" {
				return
			}
			if err := out.Send(ctx, []byte(text)); err != nil {
				log.Printf("Failed to send message: %v", err)
			}
		}
	}
}

// withUser adds the user query parameter the test service reads.
func withUser(rawURL, user string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("user", user)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
