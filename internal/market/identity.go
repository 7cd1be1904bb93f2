package market

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// NodeID loads the node id from <repo>/node_id, creating it on first start.
func NodeID(repoPath string) (string, error) {
	idPath := filepath.Join(repoPath, "node_id")

	if _, err := os.Stat(idPath); err == nil {
		data, err := os.ReadFile(idPath)
		if err != nil {
			return "", fmt.Errorf("reading node id: %w", err)
		}
		id, err := uuid.Parse(strings.TrimSpace(string(data)))
		if err != nil {
			return "", fmt.Errorf("node id file %s: %w", idPath, err)
		}
		return id.String(), nil
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(idPath), 0700); err != nil {
		return "", fmt.Errorf("creating repo dir: %w", err)
	}
	if err := os.WriteFile(idPath, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("writing node id: %w", err)
	}
	return id, nil
}
