// Package config provides application configuration management.
//
// Configuration is read from config.yaml with viper. Every key has a default
// and may be overridden through CONSOLEBOX_ prefixed environment variables,
// for example CONSOLEBOX_SANDBOX_TIMEOUT_MS.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	settings, err := cfg.EngineSettings()
package config
