package models

import (
	"time"

	"github.com/google/uuid"
)

// ConsolidationJob asks for one symbol's bucket files of one UTC date to be
// merged into a single daily archive. It is a value handed across the worker
// pool boundary; re-running it must produce the same archive.
type ConsolidationJob struct {
	ID            string
	Symbol        string
	Date          string
	InputDir      string
	InputFiles    []string
	OutputArchive string
	CreatedAt     time.Time
	// Ready is closed once every compression scheduled for this date has
	// finished. A nil channel means the inputs are already final.
	Ready <-chan struct{}
}

// NewConsolidationJob fills in the identifier and creation time.
func NewConsolidationJob(symbol, date, inputDir, output string, inputs []string, ready <-chan struct{}) ConsolidationJob {
	return ConsolidationJob{
		ID:            uuid.NewString(),
		Symbol:        symbol,
		Date:          date,
		InputDir:      inputDir,
		InputFiles:    inputs,
		OutputArchive: output,
		CreatedAt:     time.Now().UTC(),
		Ready:         ready,
	}
}
