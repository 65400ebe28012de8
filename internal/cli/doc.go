// Package cli is responsible for parsing command-line arguments, validating
// user input, and handling process-level concerns like exit codes. It
// translates the run and serve subcommands and their flags into app.Config.
package cli
