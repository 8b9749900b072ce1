package launch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/process"
)

// HandleFileName is the persisted process handle under the node's run dir.
const HandleFileName = "validator-handle.json"

// Handle identifies a launched validator process. It is owned exclusively
// by the launcher that created it and persisted so a later invocation
// (stop, sanity) can find the process again. The process itself runs
// detached and survives the launching program.
type Handle struct {
	// PID of the detached validator process.
	PID int `json:"pid"`
	// InitCompleteMarkerPath is the file the validator creates once its
	// initialization finishes.
	InitCompleteMarkerPath string `json:"initCompleteMarkerPath"`
	// LogPath is where the process stdout/stderr are appended.
	LogPath string `json:"logPath"`
}

// Alive reports whether the process behind the handle is still running.
func (h Handle) Alive() (bool, error) {
	proc, err := process.NewProcess(int32(h.PID))
	if err != nil {
		// gopsutil returns an error for a PID that no longer exists
		return false, nil
	}
	running, err := proc.IsRunning()
	if err != nil {
		return false, fmt.Errorf("check process %d: %w", h.PID, err)
	}
	return running, nil
}

// Terminate asks the process behind the handle to exit.
func (h Handle) Terminate() error {
	proc, err := process.NewProcess(int32(h.PID))
	if err != nil {
		// already gone
		return nil
	}
	if err := proc.Terminate(); err != nil {
		return fmt.Errorf("terminate process %d: %w", h.PID, err)
	}
	return nil
}

// Write persists the handle under runDir.
func (h Handle) Write(runDir string) error {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal handle: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, HandleFileName), data, 0o644); err != nil {
		return fmt.Errorf("write handle: %w", err)
	}
	return nil
}

// LoadHandle reads a previously persisted handle from runDir.
func LoadHandle(runDir string) (Handle, error) {
	data, err := os.ReadFile(filepath.Join(runDir, HandleFileName))
	if err != nil {
		return Handle{}, fmt.Errorf("read handle: %w", err)
	}
	var h Handle
	if err := json.Unmarshal(data, &h); err != nil {
		return Handle{}, fmt.Errorf("parse handle: %w", err)
	}
	return h, nil
}

// RemoveHandle deletes the persisted handle, if any.
func RemoveHandle(runDir string) error {
	err := os.Remove(filepath.Join(runDir, HandleFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove handle: %w", err)
	}
	return nil
}
