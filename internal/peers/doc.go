// Package peers tracks the remote addresses that send datagrams to the
// receiver. Entries are refreshed by every message event and evicted by a
// background sweep once they have been idle longer than the configured timeout.
package peers
