// Package bridge carries IoCs out of a session.
//
// Each run gets its own Collector, exposed into the session under a name
// from NewNames. Names come from crypto/rand so a sample can neither guess
// nor enumerate the callback, and no name is reused within the process.
//
//	names := bridge.NewNames()
//	col := bridge.NewCollector(bridge.NewDelayTracker(10*time.Second), log)
//	err := session.ExposeCallback(ctx, names.Bridge, col.Handler())
package bridge
