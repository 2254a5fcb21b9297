// Command brokerd runs the tool-routing broker: the provider channel
// listener and the consumer/dashboard HTTP listener, wired the way
// cmd/nexus wires its own gateway and HTTP surfaces.
//
// Environment variables:
//
//	BROKER_WS_PORT   provider channel port (default 3099)
//	MCP_HTTP_PORT    consumer/dashboard HTTP port (default 3098)
//	OLLAMA_API_URL   upstream generative-model base URL
//	OLLAMA_MODEL     default model for chat/ask
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jerroldneal/mcp-broker/internal/broker"
	"github.com/jerroldneal/mcp-broker/internal/config"
	"github.com/jerroldneal/mcp-broker/internal/dashboard"
	"github.com/jerroldneal/mcp-broker/internal/providerconn"
)

var (
	version    = "dev"
	configFile string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "brokerd",
		Short: "Tool-routing broker: provider channel + consumer/dashboard HTTP surface.",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML config file, layered beneath environment variables")
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the broker version.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the provider channel and consumer/dashboard HTTP listeners.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if err := config.LoadFile(configFile, &cfg); err != nil {
		return cfg, err
	}
	return config.FromEnv(cfg), nil
}

func serve(ctx context.Context) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "brokerd")

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	b := broker.New(cfg, logger)
	surface := dashboard.New(b, indexHTML, cfg.ChatDeadline)

	httpMux := http.NewServeMux()
	surface.Register(httpMux)
	httpMux.Handle("POST /mcp", b.Consumer)
	httpMux.HandleFunc("GET /mcp", methodNotAllowed)
	httpMux.HandleFunc("DELETE /mcp", methodNotAllowed)

	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: httpMux}

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		sess, err := providerconn.Upgrade(w, r, b, logger)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		go sess.Run()
	})
	wsServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.WSPort), Handler: wsMux}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("consumer/dashboard HTTP listening", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		logger.Info("provider channel listening", "port", cfg.WSPort)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ws server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logger.Info("shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, entry := range b.Registry.Snapshot() {
		entry.Sender.Close("server shutting down")
	}
	httpServer.Shutdown(shutdownCtx)
	wsServer.Shutdown(shutdownCtx)
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", http.MethodPost)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

const indexHTMLBody = `<!doctype html>
<html>
<head><title>mcp-broker</title></head>
<body>
<h1>mcp-broker</h1>
<p>See <a href="/api/status">/api/status</a> and <a href="/api/events">/api/events</a>.</p>
</body>
</html>
`

var indexHTML = []byte(indexHTMLBody)
