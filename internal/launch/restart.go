package launch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// RelaunchRecordFileName is the persisted restart policy under the run dir.
const RelaunchRecordFileName = "relaunch.json"

// RestartPolicy is the explicit supervisor policy for a launched node.
// Instead of generated shell snippets hooked into the host boot sequence,
// the policy is persisted as a record that a host supervisor consumes to
// relaunch the same command after a reboot.
type RestartPolicy struct {
	// OnHostRestart relaunches the node when the host comes back up.
	OnHostRestart bool `json:"onHostRestart"`
}

// RelaunchRecord captures everything needed to relaunch a node with the
// exact arguments it was originally started with.
type RelaunchRecord struct {
	Command string        `json:"command"`
	Args    []string      `json:"args"`
	Policy  RestartPolicy `json:"policy"`
}

// Write persists the relaunch record under runDir.
func (r RelaunchRecord) Write(runDir string) error {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal relaunch record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, RelaunchRecordFileName), data, 0o644); err != nil {
		return fmt.Errorf("write relaunch record: %w", err)
	}
	return nil
}

// LoadRelaunchRecord reads a previously persisted relaunch record.
func LoadRelaunchRecord(runDir string) (RelaunchRecord, error) {
	data, err := os.ReadFile(filepath.Join(runDir, RelaunchRecordFileName))
	if err != nil {
		return RelaunchRecord{}, fmt.Errorf("read relaunch record: %w", err)
	}
	var r RelaunchRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return RelaunchRecord{}, fmt.Errorf("parse relaunch record: %w", err)
	}
	return r, nil
}
