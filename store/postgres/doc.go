// Package postgres implements the store using pgx/v5 with raw SQL.
//
// Status records live in a single table keyed by (entity_type, entity_id).
// History and dependencies are JSONB columns; a GIN index over the
// dependencies column answers dependent lookups. Authoritative entities live
// in one table per kind. Writes use an optimistic version column so two
// transactions updating the same record cannot both commit.
package postgres
