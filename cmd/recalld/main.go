// Command recalld runs the Recall memory engine as a standalone service,
// serving the HTTP JSON API (spec §6) and the MCP stdio/SSE transports
// side by side. Grounded on internal/config's viper-bound Config plus
// cobra for the flag surface, the same pairing pkg/agent/service.go's
// CLI wiring in the teacher repo implies but never itself builds a
// cmd/ entry point around.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/recallsystems/recall/internal/budget"
	memctx "github.com/recallsystems/recall/internal/context"
	"github.com/recallsystems/recall/internal/config"
	"github.com/recallsystems/recall/internal/engine"
	"github.com/recallsystems/recall/internal/extract"
	"github.com/recallsystems/recall/internal/extract/llmclient"
	"github.com/recallsystems/recall/internal/httpapi"
	"github.com/recallsystems/recall/internal/logging"
	"github.com/recallsystems/recall/internal/maintain"
	"github.com/recallsystems/recall/internal/mcpapi"
	"github.com/recallsystems/recall/internal/retrieve"
	"github.com/recallsystems/recall/internal/vectorindex/embed"
	"github.com/recallsystems/recall/internal/vectorindex/ivfhnsw"
)

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:   "recalld",
		Short: "Recall memory engine daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := root.Flags()
	flags.String("data-root", "", "override RECALL_DATA_ROOT")
	flags.String("http-addr", "", "override RECALL_HTTP_ADDR")
	flags.String("mcp-transport", "stdio", "mcp transport: stdio or sse")
	flags.String("mcp-addr", "127.0.0.1:8765", "address for --mcp-transport=sse")
	flags.String("log-level", "", "override RECALL_LOG_LEVEL")
	_ = v.BindPFlag("data_root", flags.Lookup("data-root"))
	_ = v.BindPFlag("http_addr", flags.Lookup("http-addr"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = v.BindPFlag("mcp_transport", flags.Lookup("mcp-transport"))
	_ = v.BindPFlag("mcp_addr", flags.Lookup("mcp-addr"))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := logging.New(level, cfg.LogPretty, os.Stderr)

	eng, err := buildEngine(context.Background(), cfg, log)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Error().Err(err).Msg("engine close failed")
		}
	}()

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.New(eng, log).Handler(),
	}

	mcpSrv := mcpapi.New(eng, log)
	mcpTransport := v.GetString("mcp_transport")
	mcpAddr := v.GetString("mcp_addr")

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http api listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var mcpHTTPSrv *http.Server
	switch mcpTransport {
	case "sse":
		mcpHTTPSrv = &http.Server{Addr: mcpAddr, Handler: mcpSrv.SSEHandler()}
		go func() {
			log.Info().Str("addr", mcpAddr).Msg("mcp sse listening")
			if err := mcpHTTPSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("mcp sse server: %w", err)
			}
		}()
	default:
		go func() {
			log.Info().Msg("mcp stdio transport active")
			if err := mcpSrv.ServeStdio(context.Background(), os.Stdin, os.Stdout); err != nil {
				errCh <- fmt.Errorf("mcp stdio: %w", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Error().Err(err).Msg("server failed")
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown error")
	}
	if mcpHTTPSrv != nil {
		if err := mcpHTTPSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("mcp sse shutdown error")
		}
	}
	return nil
}

func buildEngine(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*engine.Engine, error) {
	var backend embed.Backend
	switch cfg.EmbeddingMode {
	case config.EmbeddingLocal:
		backend = embed.NewLocal(cfg.EmbeddingDimension)
	case config.EmbeddingOpenAI, config.EmbeddingSiliconFlow, config.EmbeddingCustom:
		backend = embed.NewRemote(cfg.EmbeddingAPIBase, cfg.EmbeddingAPIKey, cfg.EmbeddingModel,
			cfg.EmbeddingDimension, cfg.EmbeddingRateLimit, cfg.EmbeddingRateWindow)
	default:
		backend = embed.None{}
	}

	var llm *llmclient.Client
	if cfg.LLMAPIKey != "" {
		llm = llmclient.New(llmclient.Config{
			APIBase: cfg.LLMAPIBase, APIKey: cfg.LLMAPIKey, Model: cfg.LLMModel, MaxTokens: cfg.LLMDefaultMaxTokens,
		})
	}

	return engine.Open(ctx, engine.Config{
		DataRoot:      cfg.DataRoot,
		EmbeddingDim:  cfg.EmbeddingDimension,
		EmbedBackend:  backend,
		VectorBackend: engine.VectorFlat,
		IVFConfig:     ivfhnsw.Config{Dimension: cfg.EmbeddingDimension},
		ExtractConfig: extract.Config{Mode: extract.Mode(cfg.LLMRelationMode)},
		BudgetConfig:  budget.DefaultConfig(),
		ContextConfig: memctx.Config{MaxTokens: cfg.ContextMaxTotal},
		MaintainConfig: maintain.Config{},
		RetrieveConfig: retrieve.Config{},
		LLMClient:     llm,
	}, log)
}
