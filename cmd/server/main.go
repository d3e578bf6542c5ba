// Package main is the entry point for the runbox MCP server.
//
// The runbox server exposes the sandbox executor over the Model Context
// Protocol so AI agents can run generated code under resource limits and a
// hard wall-clock deadline. The server supports both stdio and HTTP
// transports and degrades to unisolated subprocess execution, with a
// visible warning, when no container daemon is reachable.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/sandbox"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Sandbox executor, mode resolved once at construction
			sandbox.NewExecutor,
			func(executor *sandbox.Executor) mcpserver.CodeExecutor { return executor },

			// MCP Server
			mcpserver.New,
		),

		// Release the executor's engine resources on shutdown
		fx.Invoke(
			func(lc fx.Lifecycle, executor *sandbox.Executor) {
				lc.Append(fx.Hook{
					OnStop: func(context.Context) error {
						return executor.Close()
					},
				})
			},
		),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}
