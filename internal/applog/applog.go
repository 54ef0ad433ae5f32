// Package applog wires a single btclog.Backend (writing to stdout and a
// rotating log file via jrick/logrotate) into every package's UseLogger
// hook. Each package defaults to btclog.Disabled; an embedding binary
// calls Init once to light them all up.
package applog

import (
	"io"
	"os"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/echolock/core/internal/coordinator"
	"github.com/echolock/core/internal/cryptocore"
	"github.com/echolock/core/internal/custodian"
	"github.com/echolock/core/internal/lifecycle"
	"github.com/echolock/core/internal/relay"
	"github.com/echolock/core/internal/shamir"
	"github.com/echolock/core/internal/switchstate"
	"github.com/echolock/core/internal/timelock"
	"github.com/echolock/core/internal/txmonitor"
)

const maxRollFiles = 10

// Init opens logFile for rotation (10MB rolls, 10 files kept) and points
// every package's logger at a shared backend writing to both stdout and
// the rotator, at the given subsystem level.
func Init(logFile string, level btclog.Level) (func() error, error) {
	r, err := rotator.New(logFile, 10*1024, false, maxRollFiles)
	if err != nil {
		return nil, err
	}

	w := io.MultiWriter(os.Stdout, r)
	backend := btclog.NewBackend(w)

	cryptocore.UseLogger(makeSubsystemLogger(backend, "CRYP", level))
	shamir.UseLogger(makeSubsystemLogger(backend, "SHMR", level))
	relay.UseLogger(makeSubsystemLogger(backend, "RLAY", level))
	custodian.UseLogger(makeSubsystemLogger(backend, "CUST", level))
	timelock.UseLogger(makeSubsystemLogger(backend, "TMLK", level))
	txmonitor.UseLogger(makeSubsystemLogger(backend, "TXMN", level))
	coordinator.UseLogger(makeSubsystemLogger(backend, "CORD", level))
	switchstate.UseLogger(makeSubsystemLogger(backend, "SWCH", level))
	lifecycle.UseLogger(makeSubsystemLogger(backend, "LIFE", level))

	return r.Close, nil
}

func makeSubsystemLogger(backend *btclog.Backend, tag string, level btclog.Level) btclog.Logger {
	l := backend.Logger(tag)
	l.SetLevel(level)
	return l
}
