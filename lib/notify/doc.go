// Package notify computes granular change records for observed objects, queries
// and collections and delivers them asynchronously.
//
// The diff functions (DiffObject, DiffSequence, DiffDictionary) are pure. The
// Dispatcher walks every committed version transition v-1 -> v in order on a
// single worker, diffs each registered Entity against the transition's change
// set and pushes the result onto the observer's own lock-free queue. Every
// observer drains its queue on its own goroutine, so a slow or panicking
// callback neither delays other observers nor the committing writer.
//
// Example usage:
//
//	d, _ := notify.NewDispatcher(store, nil)
//	snap, _ := store.BeginRead()
//	token, _ := d.Register(&notify.ObjectEntity{Table: "class_Person", Key: key}, snap, func(c notify.Change) {
//		change := c.(notify.ObjectChange)
//		...
//	})
//	defer token.Invalidate()
//
//	w, _ := store.BeginWrite(ctx)
//	...
//	w.Commit(d.Publish)
package notify
