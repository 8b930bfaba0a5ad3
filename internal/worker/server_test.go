package worker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"scrapeq/internal/config"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	for k, v := range map[string]string{
		"SCRAPEQ_FETCHER":               "mock",
		"SCRAPEQ_PROGRESS_JSON":         "true",
		"SCRAPEQ_MIN_SKILLS":            "2",
		"SCRAPEQ_SCHED_WORKERS":         "2",
		"SCRAPEQ_SCHED_BASE_DELAY":      "5ms",
		"SCRAPEQ_SCHED_MIN_DELAY":       "1ms",
		"SCRAPEQ_SCHED_STAGGER_DELAY":   "0s",
		"SCRAPEQ_SCHED_DISPATCH_JITTER": "0s",
		"SCRAPEQ_SCHED_QUEUE_TIMEOUT":   "20ms",
	} {
		t.Setenv(k, v)
	}
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestSchedulerConfig(t *testing.T) {
	cfg := loadTestConfig(t)
	sc := SchedulerConfig(cfg)
	assert.Equal(t, 2, sc.NumWorkers)
	assert.Equal(t, 5*time.Millisecond, sc.BaseDelay)
	assert.Equal(t, cfg.Circuit.FailureThreshold, sc.Circuit.FailureThreshold)
	assert.Equal(t, cfg.Throttle.CooldownBase, sc.CooldownBase)
	assert.Equal(t, 50, sc.AuthWallAlertThreshold)
}

func TestRun_MockFetcherFromFile(t *testing.T) {
	cfg := loadTestConfig(t)
	path := filepath.Join(t.TempDir(), "urls.txt")
	urls := "https://jobs.example.com/jobs/view/1/\nhttps://jobs.example.com/jobs/view/2/\n# skipped\nhttps://jobs.example.com/jobs/view/3/\n"
	require.NoError(t, os.WriteFile(path, []byte(urls), 0o600))

	var out bytes.Buffer
	st, err := Run(context.Background(), cfg, Options{URLsFile: path, ProgressOut: &out})
	require.NoError(t, err)
	assert.Equal(t, 3, st.Success)
	assert.Equal(t, "completed", st.StopReason)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.NotEmpty(t, lines)
	for _, l := range lines {
		assert.True(t, strings.HasPrefix(l, "PROGRESS:"), l)
	}
	assert.Contains(t, out.String(), `"scheduler_finish"`)
}

func TestRun_BacklogNeedsPostgres(t *testing.T) {
	cfg := loadTestConfig(t)
	_, err := Run(context.Background(), cfg, Options{FromBacklog: true})
	assert.ErrorContains(t, err, "postgres")
}
