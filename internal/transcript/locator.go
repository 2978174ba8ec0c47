// Package transcript locates the external agent CLI's on-disk session logs.
// The logs are the tool's property: this package only reads directory
// structure and file metadata, never message bodies, and never writes.
package transcript

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Summary is what the locator knows about a session without opening its log:
// identity, the working directory encoded in the project dir name, and the
// log file's mtime.
type Summary struct {
	SessionID string `json:"sessionId"`
	WorkDir   string `json:"workDir"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Locator scans a projects directory laid out as
// <root>/<encoded-workdir>/<sessionID>.jsonl.
type Locator struct {
	Root string
}

// DefaultRoot is where the agent CLI keeps its project transcripts.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "projects")
}

func New(root string) *Locator {
	if strings.TrimSpace(root) == "" {
		root = DefaultRoot()
	}
	return &Locator{Root: root}
}

// decodeWorkDir reverses the project directory encoding: "-home-seo" becomes
// "/home/seo".
func decodeWorkDir(dirName string) string {
	workDir := strings.ReplaceAll(dirName, "-", "/")
	if !strings.HasPrefix(workDir, "/") {
		workDir = "/" + workDir
	}
	return workDir
}

// WorkDirFor returns the working directory a session's transcript lives
// under, or "" when the session is unknown. Absence is normal, not an error;
// the caller falls back to its own default.
func (l *Locator) WorkDirFor(sessionID string) string {
	if sessionID == "" || l.Root == "" {
		return ""
	}
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		logPath := filepath.Join(l.Root, entry.Name(), sessionID+".jsonl")
		if _, err := os.Stat(logPath); err == nil {
			return decodeWorkDir(entry.Name())
		}
	}
	return ""
}

// Sessions enumerates every transcript under the root, newest first.
func (l *Locator) Sessions() []Summary {
	if l.Root == "" {
		return []Summary{}
	}
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		return []Summary{}
	}

	summaries := []Summary{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		projectDir := filepath.Join(l.Root, entry.Name())
		files, err := os.ReadDir(projectDir)
		if err != nil {
			continue
		}
		workDir := decodeWorkDir(entry.Name())
		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".jsonl") {
				continue
			}
			info, err := file.Info()
			if err != nil {
				continue
			}
			summaries = append(summaries, Summary{
				SessionID: strings.TrimSuffix(file.Name(), ".jsonl"),
				WorkDir:   workDir,
				UpdatedAt: info.ModTime().Unix(),
			})
		}
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].UpdatedAt > summaries[j].UpdatedAt })
	return summaries
}
