// Package main is the entry point for the consolebox MCP server.
//
// consolebox runs Lua snippets against the application database on behalf of
// AI agents. Every snippet is classified by the safety rules first; admitted
// snippets execute in a fresh interpreter under a hard timeout while holding
// one pooled database connection, and every decision is audited.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
