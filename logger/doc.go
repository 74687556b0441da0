// Package logger builds the zap logger shared by every component.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("server started", zap.String("transport", "stdio"))
package logger
