package workdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrNoArtifact indicates the requested artifact has not been produced yet.
var ErrNoArtifact = errors.New("artifact not found")

// WriteJSON persists v at path atomically (temp file + rename), so an
// external reader never observes a partially written artifact.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to commit artifact: %w", err)
	}
	return nil
}

// ReadJSON loads the artifact at path into v. A missing file is reported as
// ErrNoArtifact so callers can gate on artifact presence.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNoArtifact, path)
		}
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("artifact %s is corrupt: %w", path, err)
	}
	return nil
}
