// Package builtin provides the one procedure every ephysd process can
// always fall back to, mirroring the RELACS convention of an always-
// resolvable "Idle" RePro (spec §7 "the system refuses to start unless
// at least one fallback procedure is resolvable").
package builtin

import (
	"time"

	"github.com/multiverse-hardware-labs/ephysd/internal/options"
	"github.com/multiverse-hardware-labs/ephysd/internal/repro"
)

// IdlePollInterval is how often Idle checks for an interrupt while
// waiting for the operator to start something else.
const IdlePollInterval = 200 * time.Millisecond

// NewIdleProcedure builds the fallback procedure: it does nothing but
// sleep until interrupted, at which point it reports Completed.
func NewIdleProcedure() *repro.Procedure {
	return &repro.Procedure{
		Name:     "Idle",
		Options:  options.New("Idle"),
		Fallback: true,
		Main:     runIdle,
	}
}

func runIdle(ctx *repro.RunContext) repro.Outcome {
	for !ctx.Interrupted() {
		if ctx.SleepWait(IdlePollInterval) {
			break
		}
	}
	return repro.Completed
}
