package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Strob0t/PipeForge/internal/port/cache"
)

// FileError is one diagnostic attributed to a single file.
type FileError struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// diagnosticRE matches the common compiler/linter diagnostic shape
// "path:line[:col]: message". Paths containing spaces are not matched; tools
// in scope emit workspace-relative paths without them.
var diagnosticRE = regexp.MustCompile(`^([^\s:]+):(\d+)(?::\d+)?:\s*(.+)$`)

// Partitioner groups validation-command diagnostics by file so remediation
// workers can each own a disjoint slice of the failure. Extraction results
// are memoized keyed by output content; stagnating remediation rounds replay
// identical outputs, and the cached partition keeps re-parsing off the path.
type Partitioner struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewPartitioner creates a partitioner. A nil cache disables memoization.
func NewPartitioner(c cache.Cache, ttl time.Duration) *Partitioner {
	return &Partitioner{cache: c, ttl: ttl}
}

// Partition extracts per-file diagnostics from raw tool output. Lines that do
// not carry a file position are ignored; callers that need the raw output for
// diagnostics keep the originating CommandError.
func (p *Partitioner) Partition(ctx context.Context, output string) (map[string][]FileError, error) {
	key := partitionKey(output)

	if p.cache != nil {
		if data, ok, err := p.cache.Get(ctx, key); err == nil && ok {
			var cached map[string][]FileError
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	byFile := extract(output)

	if p.cache != nil {
		if data, err := json.Marshal(byFile); err == nil {
			_ = p.cache.Set(ctx, key, data, p.ttl)
		}
	}
	return byFile, nil
}

func extract(output string) map[string][]FileError {
	byFile := make(map[string][]FileError)
	for _, line := range strings.Split(output, "\n") {
		m := diagnosticRE.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		ln, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		byFile[m[1]] = append(byFile[m[1]], FileError{File: m[1], Line: ln, Message: m[3]})
	}
	return byFile
}

func partitionKey(output string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(output))
	return fmt.Sprintf("partition:%x", h.Sum64())
}
