// Package log centralizes the logger construction for this module, mirroring
// the "var log = logging.Logger(name)" pattern sa8-eudico uses throughout
// node/impl and chain/consensus (see node/impl/full/chain.go).
package log

import (
	logging "github.com/ipfs/go-log/v2"
)

// Logger returns a named structured logger. Subpackages call this once at
// init time, e.g. `var log = log.Logger("sca")`.
func Logger(system string) *logging.ZapEventLogger {
	return logging.Logger(system)
}
