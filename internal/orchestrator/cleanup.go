package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// tempPrefixes are the names our helpers create in the temp dir.
var tempPrefixes = []string{"pdfdl-", "s3pdf-", "spreads-", "assemble-"}

// CleanupTemps removes leftovers of earlier runs older than maxAge from
// the temp dir: downloads plus render and assembly work dirs.
func (o *Orchestrator) CleanupTemps(maxAge time.Duration) int {
	dir := o.tempDir
	if dir == "" {
		dir = os.TempDir()
	}
	return cleanupTemps(dir, maxAge)
}

func cleanupTemps(dir string, maxAge time.Duration) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	now := time.Now()
	removed := 0
	for _, e := range entries {
		if !hasTempPrefix(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed
}

func hasTempPrefix(name string) bool {
	for _, p := range tempPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
