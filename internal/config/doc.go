// Package config provides loading and environment overlay for skein runtime
// configuration. It exposes a Default() baseline, JSON and YAML file loading,
// and a SKEIN_* environment overlay.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/skein.yaml"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
package config
