package cryptocore

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// AttestationMode identifies whether a report came from a real TEE or a
// software simulation of one.
type AttestationMode string

const (
	AttestationModeSimulation AttestationMode = "simulation"
	AttestationModeHardware   AttestationMode = "hardware"
)

// AttestationReport is the stable shape returned by GET /secure/attestation,
// regardless of which Attestor produced it.
type AttestationReport struct {
	Mode      AttestationMode `json:"mode"`
	Timestamp time.Time       `json:"timestamp"`
	Quote     string          `json:"quote,omitempty"`
	EnclaveID string          `json:"enclave_id,omitempty"`
}

// Attestor produces attestation reports. A real SGX/TEE backend can
// implement this interface without changing any caller.
type Attestor interface {
	Generate() (AttestationReport, error)
}

// simulationAttestor is the only Attestor implementation shipped: it never
// touches real enclave hardware and always succeeds, reporting
// mode="simulation" with no quote.
type simulationAttestor struct {
	enclaveID string
}

// NewSimulationAttestor returns an Attestor stable for the process
// lifetime: its enclave ID is generated once at construction.
func NewSimulationAttestor() Attestor {
	id := make([]byte, 16)
	_, _ = rand.Read(id)
	return &simulationAttestor{enclaveID: hex.EncodeToString(id)}
}

func (a *simulationAttestor) Generate() (AttestationReport, error) {
	return AttestationReport{
		Mode:      AttestationModeSimulation,
		Timestamp: time.Now(),
		EnclaveID: a.enclaveID,
	}, nil
}
