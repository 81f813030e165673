// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRoundID    = "round_id"
	FieldRoundNum   = "round_num"
	FieldGeneration = "generation"
	FieldLeaseID    = "lease_id"
	FieldViewerID   = "viewer_id"
	FieldModelID    = "model_id"
	FieldRequestID  = "request_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldPhase     = "phase"
	FieldReason    = "reason"

	// State fields
	FieldOldPhase = "old_phase"
	FieldNewPhase = "new_phase"
)
