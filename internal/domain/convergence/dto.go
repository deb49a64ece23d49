package convergence

import (
	"fmt"
	"time"
)

// RecordDTO is the persisted, human-inspectable form of a Record.
type RecordDTO struct {
	Host      string `yaml:"host" json:"host"`
	StepID    string `yaml:"stepId" json:"stepId"`
	Status    string `yaml:"status" json:"status"`
	LastError string `yaml:"lastError,omitempty" json:"lastError,omitempty"`
	Timestamp string `yaml:"timestamp" json:"timestamp"` // RFC3339 format
}

// ToDTO converts a record to its serializable form.
func ToDTO(r Record) RecordDTO {
	return RecordDTO{
		Host:      r.Host,
		StepID:    r.StepID,
		Status:    string(r.Status),
		LastError: r.LastError,
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// FromDTO converts a persisted record back into the domain form.
func FromDTO(dto RecordDTO) (Record, error) {
	if dto.Host == "" || dto.StepID == "" {
		return Record{}, fmt.Errorf("record missing host or stepId")
	}
	status, err := ParseStatus(dto.Status)
	if err != nil {
		return Record{}, err
	}
	var ts time.Time
	if dto.Timestamp != "" {
		ts, err = time.Parse(time.RFC3339Nano, dto.Timestamp)
		if err != nil {
			return Record{}, fmt.Errorf("invalid timestamp for %s/%s: %w", dto.Host, dto.StepID, err)
		}
	}
	return Record{
		Host:      dto.Host,
		StepID:    dto.StepID,
		Status:    status,
		LastError: dto.LastError,
		Timestamp: ts,
	}, nil
}
