package storage

// Package storage provides the SQLite-backed movement store: travels, the moves
// they own, raw geolocation fixes, versioned schema migrations and the change
// journal. Every write runs as one transaction under a single in-process writer.
