// ABOUTME: Minimal fake worker for E2E testing — serves a WebSocket echo endpoint.
// ABOUTME: Usage: fake-worker --host 127.0.0.1 --port 8100 [--name echo]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func main() {
	host := flag.String("host", "127.0.0.1", "Bind address")
	port := flag.Int("port", 8100, "Bind port")
	name := flag.String("name", "fake-worker", "Worker name reported in pong frames")
	flag.Parse()

	if err := run(*host, *port, *name); err != nil {
		log.Fatal(err)
	}
}

func run(host string, port int, name string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "upgrade failed: %v\n", err)
			return
		}
		go serve(conn, name)
	})

	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	fmt.Fprintf(os.Stderr, "%s listening on %s\n", name, addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// serve handles one client connection: pongs pings, echoes everything else.
func serve(conn *websocket.Conn, name string) {
	defer conn.Close()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var probe struct {
			Type string `json:"type"`
		}
		if msgType == websocket.TextMessage && json.Unmarshal(data, &probe) == nil && probe.Type == "ping" {
			reply, _ := json.Marshal(map[string]string{
				"type":   "pong",
				"worker": name,
			})
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
			continue
		}

		if err := conn.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}
