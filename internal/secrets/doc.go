// Package secrets redacts credentials from text before it is stored as a
// pattern, written to the archive or shared with peers.
//
// Rules are regular expressions, optionally gated by keywords so that
// expensive patterns only run on text that mentions them. Findings carry
// the rule and position but never the matched value.
package secrets
