// Command chatgate runs the chat gateway: admission, streaming, persistence
// and metering in front of a retrieval/answer pipeline.
//
// Usage:
//
//	# Start the HTTP server
//	chatgate serve --config config.yaml
//
//	# Print an owner's usage for the current month
//	chatgate usage u1 --config config.yaml
package main

func main() {
	Execute()
}
