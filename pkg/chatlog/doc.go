// Package chatlog persists conversation turns in an append-only log.
//
// Ids are assigned by the store and strictly increase, so readers can resume
// from the last id they processed with ReadSince.
package chatlog
