package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// manifest is the on-disk batch description.
type manifest struct {
	Jobs []manifestJob `yaml:"jobs"`
}

type manifestJob struct {
	EventDate   string            `yaml:"event_date"`
	Sequence    int               `yaml:"sequence"`
	WindowStart string            `yaml:"window_start"`
	WindowEnd   string            `yaml:"window_end"`
	Angles      map[string]string `yaml:"angles"`
}

// LoadManifest reads a YAML batch manifest and validates every job in it.
// A single malformed job rejects the whole manifest: batches are meant to be
// fixed before submission, not half-run.
func LoadManifest(path string) ([]*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Jobs) == 0 {
		return nil, &ValidationError{Field: "jobs", Reason: "manifest contains no jobs"}
	}

	jobs := make([]*Job, 0, len(m.Jobs))
	seen := make(map[string]bool, len(m.Jobs))
	for i, mj := range m.Jobs {
		job, err := NewJob(mj.EventDate, mj.Sequence, mj.WindowStart, mj.WindowEnd, mj.Angles)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i+1, err)
		}
		if seen[job.ID()] {
			return nil, &ValidationError{Field: "jobs", Reason: fmt.Sprintf("duplicate job id %s", job.ID())}
		}
		seen[job.ID()] = true
		jobs = append(jobs, job)
	}
	return jobs, nil
}
