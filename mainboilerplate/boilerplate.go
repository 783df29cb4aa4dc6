// Package mainboilerplate holds the logging and flag-parsing glue shared by
// chainsql binaries.
package mainboilerplate

import (
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

// LogConfig is the logging group of a binary's configuration.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"warn" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

// InitLog applies a LogConfig to the process logger.
func InitLog(cfg LogConfig) {
	var formatter log.Formatter
	switch cfg.Format {
	case "json":
		formatter = &log.JSONFormatter{}
	case "color":
		formatter = &log.TextFormatter{ForceColors: true}
	default:
		formatter = &log.TextFormatter{}
	}
	log.SetFormatter(formatter)

	var level, err = log.ParseLevel(cfg.Level)
	if err != nil {
		log.WithFields(log.Fields{"level": cfg.Level, "err": err}).
			Fatal("unrecognized log level")
	}
	log.SetLevel(level)
}

// Must panics with |msg| if |err| is non-nil. Trailing arguments are taken
// pairwise as log fields of the panic.
func Must(err error, msg string, fields ...interface{}) {
	if err == nil {
		return
	}
	var lf = log.Fields{"err": err}
	for len(fields) >= 2 {
		lf[fields[0].(string)] = fields[1]
		fields = fields[2:]
	}
	log.WithFields(lf).Panic(msg)
}

// MustParseArgs parses os.Args into |parser|'s configuration and commands,
// exiting on any input error. Help and missing-command cases print full
// usage; malformed flag *definitions* panic, as they are bugs of the binary
// rather than of its input.
func MustParseArgs(parser *flags.Parser) {
	var _, err = parser.ParseArgs(os.Args[1:])
	if err == nil {
		return
	}

	flagErr, ok := err.(*flags.Error)
	if !ok {
		Must(err, "failed to parse arguments")
	}
	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag,
		flags.ErrShortNameTooLong, flags.ErrMarshal:
		panic(err)
	case flags.ErrCommandRequired, flags.ErrHelp:
		parser.WriteHelp(os.Stderr)
	default:
		// go-flags already described the input problem.
	}
	os.Exit(1)
}
