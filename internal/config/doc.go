// Package config provides centralized configuration management for the
// ChainForge runtime. A single JSON file describes the API server, chain
// provider definitions, codegen backend, relay access, and the dispatch
// queue/store drivers; ${VAR} placeholders are expanded from the
// environment at load time.
package config
