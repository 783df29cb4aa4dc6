// Package chaindb layers a replication-ready commit pipeline over an embedded
// SQLite database opened in WAL mode. Each Handle owns one engine connection
// and is used by one goroutine at a time. Handles which reference the same
// canonical database file share process state -- a monotonic commit counter,
// the hash of the last committed transaction, and the commit lock which
// serializes the PREPARE -> COMMIT window -- so that commits across all
// Handles are assigned dense, strictly increasing ids and chain their hashes.
//
// Every committed transaction is recorded into one of a set of journal tables
// (`journal`, `journal0000`, `journal0001`, ...) as (id, query, hash), where
// hash is SHA1(previousHash || query). The union of all journal tables is the
// replication log: followers replay it in id order and verify the chain.
//
// The package also coordinates WAL checkpoints. Passive checkpoints run
// opportunistically after commits. When the WAL grows past
// FullCheckpointPageMin a background worker quiesces new transactions,
// interrupts in-flight ones (cooperatively, via statement cancellation), and
// runs a RESTART checkpoint once the database has drained.
package chaindb
