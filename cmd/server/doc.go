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
