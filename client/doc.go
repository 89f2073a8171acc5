// Package client drives the local side of an http-pipe transfer: streaming
// standard input to a relay or a relay to standard output, with
// backoff-and-reconnect recovery that resumes at the confirmed byte offset.
package client
