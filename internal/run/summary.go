package run

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"kiln/internal/taskgraph"
	"kiln/internal/telemetry"
	"kiln/internal/workspace"
)

// Summary describes one invocation.
type Summary struct {
	ID         string              `json:"id"`
	StartedAt  time.Time           `json:"startedAt"`
	EndedAt    time.Time           `json:"endedAt"`
	DurationMS int64               `json:"durationMs"`
	DryRun     bool                `json:"dryRun,omitempty"`
	GlobalHash string              `json:"globalHash,omitempty"`
	Counts     Counts              `json:"counts"`
	ExitCode   int                 `json:"exitCode"`
	Tasks      []TaskSummary       `json:"tasks"`
	Metrics    *telemetry.Snapshot `json:"metrics,omitempty"`
}

// Counts aggregates task statuses.
type Counts struct {
	Total     int `json:"total"`
	Attempted int `json:"attempted"`
	CacheHit  int `json:"cacheHit"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// TaskSummary is the per-task record.
type TaskSummary struct {
	TaskID         string            `json:"taskId"`
	Package        string            `json:"package"`
	Task           string            `json:"task"`
	Hash           string            `json:"hash,omitempty"`
	Status         Status            `json:"status"`
	CacheSource    string            `json:"cacheSource,omitempty"`
	CacheState     string            `json:"cacheState,omitempty"`
	Command        string            `json:"command"`
	Dir            string            `json:"dir"`
	Outputs        []string          `json:"outputs,omitempty"`
	Dependencies   []string          `json:"dependencies"`
	Dependents     []string          `json:"dependents"`
	ExpandedInputs map[string]string `json:"expandedInputs,omitempty"`
	EnvVars        []string          `json:"envVars,omitempty"`
	Persistent     bool              `json:"persistent,omitempty"`
	Lifecycle      string            `json:"lifecycle,omitempty"`
	ExitCode       int               `json:"exitCode"`
	DurationMS     int64             `json:"durationMs"`
	Error          string            `json:"error,omitempty"`
}

// Task returns the record for id.
func (s *Summary) Task(id string) (TaskSummary, bool) {
	for _, t := range s.Tasks {
		if t.TaskID == id {
			return t, true
		}
	}
	return TaskSummary{}, false
}

func (s *scheduler) summarize() []TaskSummary {
	out := make([]TaskSummary, 0, len(s.order))
	for _, id := range s.order {
		st := s.states[id]
		node := st.node
		ts := TaskSummary{
			TaskID:         string(id),
			Package:        node.Package,
			Task:           node.Task,
			Hash:           st.hash.Key,
			Status:         st.status,
			CacheSource:    string(st.source),
			CacheState:     st.cacheState,
			Command:        node.Command,
			Dir:            node.Dir,
			Outputs:        node.Definition.Outputs,
			Dependencies:   idStrings(s.graph.Predecessors(id)),
			Dependents:     idStrings(s.graph.Successors(id)),
			ExpandedInputs: st.hash.Inputs,
			EnvVars:        st.hash.Env,
			Persistent:     node.Persistent(),
			Lifecycle:      st.lifecycle,
			ExitCode:       st.exitCode,
			DurationMS:     st.duration.Milliseconds(),
		}
		if st.err != nil {
			ts.Error = st.err.Error()
		}
		out = append(out, ts)
	}
	return out
}

func countTasks(tasks []TaskSummary) Counts {
	c := Counts{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case StatusCacheHit:
			c.CacheHit++
			c.Attempted++
		case StatusSuccess:
			c.Success++
			c.Attempted++
		case StatusFailed:
			c.Failed++
			c.Attempted++
		case StatusSkipped:
			c.Skipped++
		}
	}
	return c
}

func idStrings(ids []taskgraph.ID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	return out
}

// SummaryDir is where summaries are written, relative to the workspace root.
func SummaryDir(root string) string {
	return filepath.Join(root, workspace.StateDir, "runs")
}

// WriteSummary stores s as <root>/.kiln/runs/<id>.json and returns the path.
func WriteSummary(root string, s *Summary) (string, error) {
	dir := SummaryDir(root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create summary dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode summary: %w", err)
	}
	path := filepath.Join(dir, s.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write summary: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("install summary: %w", err)
	}
	return path, nil
}
