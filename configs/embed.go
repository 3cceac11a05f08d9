// Package configs provides the embedded configuration template.
//
// The template is embedded at build time so `ragline config init` works
// in every distribution, source builds and binary releases alike. The
// load order is documented in internal/config: defaults, then the YAML
// file, then environment variables.
package configs

import _ "embed"

// DefaultTemplate is the annotated configuration file written by
// `ragline config init`.
//
//go:embed default.yaml
var DefaultTemplate string
