// Package app contains the core application logic. It defines the main App
// struct, its configuration, and the run lifecycle: loading the pipeline,
// populating the variable store, resolving the graph and dispatching jobs.
// It is decoupled from any specific entrypoint like a CLI.
package app
