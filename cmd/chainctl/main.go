package main

import (
	"github.com/jessevdk/go-flags"

	"go.chainsql.dev/core/chaindb"
	mbp "go.chainsql.dev/core/mainboilerplate"
)

// Config is the top-level configuration object of chainctl.
var Config = new(struct {
	DB struct {
		Path             string `long:"path" env:"PATH" required:"true" description:"Path of the database file"`
		CacheSizeKB      int    `long:"cache-size" env:"CACHE_SIZE" default:"10240" description:"Engine cache size, in KB"`
		MaxJournalSize   uint64 `long:"max-journal-size" env:"MAX_JOURNAL_SIZE" default:"1000000" description:"Soft cap on journal rows"`
		MinJournalTables int    `long:"min-journal-tables" env:"MIN_JOURNAL_TABLES" default:"0" description:"Highest suffix of the journal tables to create"`
	} `group:"Database" namespace:"db" env-namespace:"DB"`

	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

// openHandle builds a Handle from the top-level database configuration.
func openHandle() *chaindb.Handle {
	mbp.InitLog(Config.Log)

	var h, err = chaindb.New(chaindb.NewManager(), chaindb.Config{
		Filename:         Config.DB.Path,
		CacheSizeKB:      Config.DB.CacheSizeKB,
		MaxJournalSize:   Config.DB.MaxJournalSize,
		MinJournalTables: Config.DB.MinJournalTables,
	})
	mbp.Must(err, "failed to open database")
	return h
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("dump", "Dump journal rows",
		"Print journal rows in commit order, as TAB-separated (id, hash, query).",
		&cmdDump{})
	_, _ = parser.AddCommand("verify", "Verify the journal hash chain",
		"Recompute the hash chain across all journal tables and compare each row.",
		&cmdVerify{})
	_, _ = parser.AddCommand("checkpoint", "Checkpoint the WAL",
		"Run a WAL checkpoint against the database.",
		&cmdCheckpoint{})

	mbp.MustParseArgs(parser)
}
