// ABOUTME: Version constants for the encode proxy
// ABOUTME: Reported in logs and client-facing identification
package version

const (
	// Version is the current release version
	Version = "0.1.0"

	// Product is the product name
	Product = "opus-transcriber-proxy"

	// Manufacturer identifies the project
	Manufacturer = "Jitsi"
)
