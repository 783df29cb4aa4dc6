package main

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type cmdDump struct {
	From uint64 `long:"from" default:"1" description:"First commit id to dump"`
	To   uint64 `long:"to" default:"0" description:"Last commit id to dump (0 for all)"`
}

func (cmd *cmdDump) Execute([]string) error {
	var h = openHandle()
	defer h.Close()

	var result, err = h.GetCommits(cmd.From, cmd.To)
	if err != nil {
		return err
	}
	for _, row := range result.Rows {
		fmt.Fprintf(os.Stdout, "%s\t%s\t%s\n", row[0], row[1], row[2])
	}
	return nil
}

type cmdVerify struct{}

func (cmd *cmdVerify) Execute([]string) error {
	var h = openHandle()
	defer h.Close()

	var result, err = h.GetCommits(1, 0)
	if err != nil {
		return err
	}

	var prevHash string
	var prevID uint64
	for _, row := range result.Rows {
		var id, hash, query = row[0], row[1], row[2]

		var sum = sha1.Sum([]byte(prevHash + query))
		if want := hex.EncodeToString(sum[:]); want != hash {
			return errors.Errorf("hash mismatch at id %s: have %s, want %s", id, hash, want)
		}
		var n uint64
		if _, err = fmt.Sscan(id, &n); err != nil {
			return errors.WithMessagef(err, "parsing id %q", id)
		}
		if prevID != 0 && n != prevID+1 {
			return errors.Errorf("journal gap: id %d follows %d", n, prevID)
		}
		prevHash, prevID = hash, n
	}

	log.WithFields(log.Fields{"commits": len(result.Rows), "head": prevHash}).
		Info("hash chain verified")
	fmt.Fprintf(os.Stdout, "OK: %d commits, head hash %s\n", len(result.Rows), prevHash)
	return nil
}

type cmdCheckpoint struct {
	Restart bool `long:"restart" description:"Run a RESTART checkpoint rather than PASSIVE"`
}

func (cmd *cmdCheckpoint) Execute([]string) error {
	var h = openHandle()
	defer h.Close()

	var mode = "PASSIVE"
	if cmd.Restart {
		mode = "RESTART"
	}
	var result, err = h.Read("PRAGMA wal_checkpoint(" + mode + ");")
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"mode": mode, "result": result.Rows}).Info("checkpoint complete")
	return nil
}
