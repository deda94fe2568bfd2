// Package cli implements the signsync command line interface: one-shot
// sync runs, configuration validation, snapshot inspection, and the
// scheduled daemon mode.
package cli
