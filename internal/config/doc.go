// Package config defines the format-agnostic pipeline model, along with the
// Loader interface implemented by each front-end.
//
// A `config.Model` is the single source of truth for the variable store and
// the rule registry. Concrete loaders, such as HCL and YAML, live in separate
// packages and all emit rule commands in the canonical template syntax.
package config
