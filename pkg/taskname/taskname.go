package taskname

// Task type names shared between enqueuers and the worker mux.
const (
	InstrumentExpirySweep = "instrument:expiry:sweep"
	LedgerLotsExpire      = "ledger:lots:expire"
)
