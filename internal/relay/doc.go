// Package relay republishes received messages to NATS as JSON, one message
// per MessageEvent, so that other services can consume them without binding
// the UDP port themselves.
package relay
