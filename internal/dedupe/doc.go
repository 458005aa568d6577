// Package dedupe tracks recently seen message ids so a delivery replayed
// after a reconnect is handed to the caller only once.
package dedupe
