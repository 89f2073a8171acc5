// Package relay implements the server side of http-pipe: an in-memory relay
// that matches one sender and any number of receivers on a shared path and
// streams bytes between them over plain HTTP, with bounded buffering,
// backpressure, and offset-based resume after disconnects.
package relay
