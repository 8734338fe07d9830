// Package dedupe provides message deduplication using a time-based cache
// to prevent surfacing duplicate deliveries within a configurable window.
package dedupe
