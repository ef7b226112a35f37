// Package stores provides durable implementations of lifecycle.Store.
//
// Two drivers are available. SQLiteStore keeps models and their transition
// history in SQLite (WAL mode, embedded migrations) and implements
// compare-and-swap with a conditional UPDATE on state_version. BadgerStore
// keeps JSON-encoded records in an embedded Badger key-value store and
// performs compare-and-swap inside an update transaction.
//
// Open selects a driver from Config and returns a ready store.
package stores
