// Package patterns provides embedded default PII recognizer definitions.
// The YAML file in this directory uses a Presidio-compatible recognizer
// format with a mask strategy extension per entity.
package patterns

import _ "embed"

//go:embed pii_support.yaml
var piiSupportYAML []byte

// PIISupportYAML returns the embedded default PII recognizer definitions
// for customer-support text (email, phone, postal address).
func PIISupportYAML() []byte { return piiSupportYAML }
