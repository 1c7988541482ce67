// Package config provides unified configuration management for memcap.
//
// # Key Features
//
// - Config: one structure covering memory ceilings, execution and observability
// - Environment variable substitution with ${VAR_NAME} syntax
// - Automatic defaults and validation
//
// # Usage
//
// ## Loading a File
//
//	cfg, err := config.LoadConfig("memcap.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	root := memory.NewQueryPool("q1")
//	if cfg.Memory.IsCapped() {
//		_ = root.SetMemoryUsageTracker(memory.NewUsageTracker(cfg.Memory.Limits()))
//	}
//
// ## Environment Variable Substitution
//
//	memory:
//	  max_bytes: ${MEMCAP_MAX_BYTES}
//
// Unset variables are replaced with an empty string.
//
// ## Ceilings
//
// max_bytes caps the sum of user and system memory. max_user_bytes and
// max_system_bytes cap each dimension and fall back to max_bytes when
// unset, so a single value applies to all three.
package config
