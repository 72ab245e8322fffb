// Package activity defines the hooks a proxy instance fires while it
// handles a flow, and a few trackers built on them.
//
// Hooks are invoked from connection goroutines, concurrently and without
// ordering between connections; every [Tracker] must be safe for
// concurrent use.
package activity
