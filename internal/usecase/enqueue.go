package usecase

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"scrapeq/internal/domain"
	"strings"
)

// ReadTasks builds tasks from one URL per line. Blank lines and lines
// starting with # are ignored, as are repeated URLs.
func ReadTasks(r io.Reader, platform, role string) ([]domain.Task, error) {
	var (
		tasks []domain.Task
		seen  = make(map[string]struct{})
		line  int
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("line %d: invalid url %q", line, raw)
		}
		t := domain.NewTask(platform, raw, role)
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		tasks = append(tasks, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read urls: %w", err)
	}
	return tasks, nil
}
