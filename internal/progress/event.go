package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageBatchStart    Stage = "BATCH_START"
	StageBatchDone     Stage = "BATCH_DONE"
	StageBoardStart    Stage = "BOARD_START"
	StageBoardDone     Stage = "BOARD_DONE"
	StageBoardDegraded Stage = "BOARD_DEGRADED"
	StageBoardError    Stage = "BOARD_ERROR"
)

// Event captures a single milestone of an ingestion batch.
type Event struct {
	// BatchID identifies the batch the milestone belongs to.
	BatchID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// BoardID scopes board stages to a single board.
	BoardID string
	// Campus optionally labels board stages with the board's campus.
	Campus string
	// Attempt carries the delivery attempt number for board stages.
	Attempt int
	// Boards carries the expected job count on BATCH_START.
	Boards int
	// Notices counts staged or published notices, depending on the stage.
	Notices int
	// Version names the published snapshot version on BATCH_DONE.
	Version string
	// Dur captures execution latency for board and batch completions.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.BatchID == "" {
		return errors.New("batch id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageBatchStart:
	case StageBatchDone:
		if e.Version == "" {
			return errors.New("batch done requires snapshot version")
		}
	case StageBoardStart, StageBoardDone, StageBoardDegraded, StageBoardError:
		if e.BoardID == "" {
			return fmt.Errorf("%s requires board id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
