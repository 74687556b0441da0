// Package mcpserver exposes the execution engine as Model Context Protocol
// tools using mark3labs/mcp-go.
//
// Tools: execute_code, analyze_code, safe_query and, when a catalog is
// configured, list_models and describe_model. Engine errors become IsError
// results carrying a JSON body with an error code (safety_violation,
// timeout, unknown_model or internal).
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, service, models)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio(ctx) // or server.ServeHTTP()
package mcpserver
