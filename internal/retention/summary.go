package retention

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteSummary saves report as cleanup_summary_YYYYMMDD_HHMMSS.json in dir
// and returns the file's path.
func WriteSummary(dir string, report *Report) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create summary directory: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode summary: %w", err)
	}

	name := fmt.Sprintf("cleanup_summary_%s.json", report.StartedAt.Format("20060102_150405"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write summary: %w", err)
	}
	return path, nil
}
