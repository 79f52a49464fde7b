package message

import "errors"

// Stage is a step of the per-message pipeline from adapter to storage.
//
//	RECEIVED → DECODED → (ROUTED_UPSTREAM | ROUTED_DOWNSTREAM) → DELIVERED → [INGESTED]
//
// The *_FAILED stages are terminal and are never retried inside the core.
type Stage string

// Pipeline stages.
const (
	StageReceived         Stage = "RECEIVED"
	StageDecoded          Stage = "DECODED"
	StageRoutedUpstream   Stage = "ROUTED_UPSTREAM"
	StageRoutedDownstream Stage = "ROUTED_DOWNSTREAM"
	StageDelivered        Stage = "DELIVERED"
	StageIngested         Stage = "INGESTED"

	StageDecodeFailed Stage = "DECODE_FAILED"
	StageRouteFailed  Stage = "ROUTE_FAILED"
	StageIngestFailed Stage = "INGEST_FAILED"
)

// Terminal reports whether s is a failure stage.
func (s Stage) Terminal() bool {
	return s == StageDecodeFailed || s == StageRouteFailed || s == StageIngestFailed
}

// FailureStage maps an error from the pipeline to the terminal stage it
// represents. Errors outside the taxonomy map to ROUTE_FAILED.
func FailureStage(err error) Stage {
	switch {
	case errors.Is(err, ErrCodecNotFound), errors.Is(err, ErrCodecAmbiguous), errors.Is(err, ErrInvalidMessage):
		return StageDecodeFailed
	case errors.Is(err, ErrIngestFailure):
		return StageIngestFailed
	default:
		return StageRouteFailed
	}
}
