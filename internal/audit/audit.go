// Package audit writes decision records for every state-mutating action.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/quizpilot/internal/models"
)

// Sink persists decision records.
type Sink interface {
	WriteAudit(ctx context.Context, action, inputsHash, outcome, chainID, details string) (*models.AuditEntry, error)
}

// Writer hashes action inputs and hands the record to a Sink.
type Writer struct {
	sink Sink
}

// NewWriter creates a new audit writer.
func NewWriter(s Sink) *Writer {
	return &Writer{sink: s}
}

// Record writes an entry for a state-mutating action. Inputs are hashed, not
// stored, so secrets passed in never reach the database.
func (w *Writer) Record(ctx context.Context, action string, inputs interface{}, outcome, chainID, details string) (*models.AuditEntry, error) {
	return w.sink.WriteAudit(ctx, action, HashInputs(inputs), outcome, chainID, details)
}

// HashInputs creates a SHA256 hash of the JSON encoding of inputs.
func HashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
