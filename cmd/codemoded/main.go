// Command codemoded runs the Code-Mode execution engine as a standalone
// process: a Streamable HTTP + stdio MCP server exposing
// list_functions, get_function_details and execute, plus a session-local
// bridge for client-registered callback tools.
//
// Grounded on fyrsmithlabs-contextd's cmd/ctxd cobra root command shape,
// generalized from its HTTP-client CLI to codemoded's own
// config->logger->facade->transport wiring (the role contextd/cmd/contextd
// plays for that daemon, reworked onto cobra instead of flag).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonwraymond/codemode/internal/codemode"
	"github.com/jonwraymond/codemode/internal/config"
	"github.com/jonwraymond/codemode/internal/logging"
	"github.com/jonwraymond/codemode/internal/mcpclient"
	"github.com/jonwraymond/codemode/internal/session"
)

var (
	version = "dev"

	flagConfig     string
	flagHost       string
	flagPort       int
	flagStdio      bool
	flagSessionDir string
	flagLogLevel   string
	flagLogFormat  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:     "codemoded",
	Short:   "Code-Mode execution engine",
	Long:    "codemoded turns registered MCP servers and callbacks into a single TypeScript interface and runs LLM-authored scripts against it in an embedded sandbox.",
	Version: version,
	RunE:    runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to the JSON config file")
	rootCmd.PersistentFlags().StringVar(&flagHost, "host", "", "HTTP listen host (overrides config)")
	rootCmd.PersistentFlags().IntVar(&flagPort, "port", 0, "HTTP listen port (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&flagStdio, "stdio", false, "serve MCP over stdio instead of HTTP")
	rootCmd.PersistentFlags().StringVar(&flagSessionDir, "session-dir", "", "directory reserved for this session's working files")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "log encoding (json or console)")
}

// exitCode buckets runServe's error taxonomy into the process exit codes
// this engine assigns: 0 success, 1 startup or runtime error, 2 invalid
// configuration.
type exitCode int

const (
	exitOK   exitCode = 0
	exitConfig exitCode = 2
	exitRuntime exitCode = 1
)

type taxonomyError struct {
	code exitCode
	err  error
}

func (e *taxonomyError) Error() string { return e.err.Error() }
func (e *taxonomyError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var te *taxonomyError
	if ok := asTaxonomyError(err, &te); ok {
		return int(te.code)
	}
	return int(exitRuntime)
}

func asTaxonomyError(err error, target **taxonomyError) bool {
	for err != nil {
		if te, ok := err.(*taxonomyError); ok {
			*target = te
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		if flagStdio {
			// stdout is the JSON-RPC stream in stdio mode: report the
			// failure there as exactly one error frame before exiting.
			frame, _ := json.Marshal(map[string]any{
				"jsonrpc": "2.0",
				"id":      nil,
				"error":   map[string]any{"code": -32603, "message": "ConfigInvalid: " + err.Error()},
			})
			fmt.Fprintln(os.Stdout, string(frame))
		}
		return &taxonomyError{code: exitConfig, err: err}
	}
	applyFlagOverrides(cfg)

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Stdio: cfg.Stdio})
	if err != nil {
		return &taxonomyError{code: exitConfig, err: err}
	}
	defer logging.Sync(logger)

	if cfg.SessionDir != "" {
		if err := os.MkdirAll(cfg.SessionDir, 0o700); err != nil {
			return &taxonomyError{code: exitConfig, err: err}
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	facade := codemode.New("codemoded", version, logger)

	if len(cfg.MCPServers) > 0 {
		specs := make([]mcpclient.ServerSpec, 0, len(cfg.MCPServers))
		for _, s := range cfg.MCPServers {
			specs = append(specs, mcpclient.ServerSpec{
				Name:    s.Name,
				URL:     s.URL,
				Command: s.Command,
				Args:    s.Args,
				Env:     s.Env,
			})
		}
		deadline := cfg.ConnectDeadline
		if deadline <= 0 {
			deadline = 30 * time.Second
		}
		facade.AddServers(ctx, specs, deadline)
	}

	srv := session.NewServer(facade, logger, session.Config{Host: cfg.Host, Port: cfg.Port, Name: "codemoded", Version: version})

	if cfg.Stdio {
		if err := srv.RunStdio(ctx); err != nil {
			return &taxonomyError{code: exitRuntime, err: err}
		}
		return nil
	}

	if err := srv.RunHTTP(ctx); err != nil && ctx.Err() == nil {
		return &taxonomyError{code: exitRuntime, err: err}
	}
	return nil
}

func applyFlagOverrides(cfg *config.Config) {
	if flagHost != "" {
		cfg.Host = flagHost
	}
	if flagPort != 0 {
		cfg.Port = flagPort
	}
	if flagStdio {
		cfg.Stdio = true
	}
	if flagSessionDir != "" {
		cfg.SessionDir = flagSessionDir
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.LogFormat = flagLogFormat
	}
}
