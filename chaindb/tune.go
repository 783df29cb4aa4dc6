package chaindb

import "sync/atomic"

// Process-wide checkpoint tunables, in WAL pages (4KB pages assumed).
// PassiveCheckpointPageMin is roughly 10MB and FullCheckpointPageMin roughly
// 100MB at the default page size.
var (
	// PassiveCheckpointPageMin is the WAL page count at which the write path
	// attempts a passive checkpoint.
	PassiveCheckpointPageMin atomic.Int64
	// FullCheckpointPageMin is the WAL page count at which a restart
	// checkpoint worker is started. The worker blocks new transactions and
	// interrupts in-flight ones, so this should be much larger than
	// PassiveCheckpointPageMin.
	FullCheckpointPageMin atomic.Int64
)

// EnableTrace, when set, logs every statement executed by any Handle.
// Tracing is global, not per-handle.
var EnableTrace atomic.Bool

func init() {
	PassiveCheckpointPageMin.Store(2500)
	FullCheckpointPageMin.Store(25000)
}
