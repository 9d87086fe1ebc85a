// Package mongo implements the store using the official MongoDB Go driver
// (v2).
//
// Status records live in the status_tracking collection, one document per
// entity keyed by "kind:id". A multikey index over the embedded
// dependencies answers dependent lookups. Authoritative entities live in
// one collection per kind (contracts, tasks, signatures, documents).
//
// RunInTx uses a multi-document transaction, so the server must run as a
// replica set or sharded cluster.
package mongo
