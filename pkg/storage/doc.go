/*
Package storage provides a byte-oriented Store interface with a BoltDB
implementation, plus Adapter: a ready-made set of cache ports over a Store
with append semantics, used by the stash daemon and integration tests.
*/
package storage
