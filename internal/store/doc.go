// Package store persists invocation history in SQLite.
//
// The tool catalog itself is never persisted: it lives in memory and is
// rebuilt as agents reconnect. What is stored is the terminal outcome of each
// invocation, fed from the event broadcaster by a Recorder:
//
//	st, err := store.NewSQLiteStore(cfg.Database.Path, logger)
//	rec := store.NewRecorder(st, logger)
//	rec.Attach(broadcaster)
//	go rec.Run(ctx)
//
// The recorder is a broadcaster hook, so it sees every event regardless of
// load. It stores one row per invocation, taken from the event marked Final;
// an invocation that emits both invocation:completed and invocation:failed is
// stored once. Request IDs are not unique across rows because callers may
// reuse them.
package store
