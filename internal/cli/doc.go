// Package cli defines the rulegridgo command tree with cobra. It turns
// subcommands and flags into an app.Config and maps usage errors to exit
// codes; it never runs the pipeline itself.
package cli
