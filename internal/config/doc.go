// Package config loads, normalizes, and validates vdevd configuration.
//
// Values come from the repository defaults, then the TOML file, then environment
// overrides, and finally command-line flags applied by cmd/vdevd. Paths are expanded to
// absolute form during normalization so the rest of the daemon never resolves relative
// paths against its working directory.
package config
