package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/leadbridge/internal/bridge"
)

func TestParseJobs(t *testing.T) {
	jobs, err := parseJobs(" Report, trim,report ,, followups")
	require.NoError(t, err)
	assert.Equal(t, []string{bridge.JobReport, bridge.JobTrim, bridge.JobFollowUps}, jobs)

	_, err = parseJobs("report,vacuum")
	assert.Error(t, err)
	_, err = parseJobs(" , ")
	assert.Error(t, err)
}

func TestNeedsUpstream(t *testing.T) {
	assert.False(t, needsUpstream([]string{bridge.JobTrim}))
	assert.True(t, needsUpstream([]string{bridge.JobTrim, bridge.JobReconcile}))
}

func TestRunCycleCountsFailuresAndContinues(t *testing.T) {
	engine := bridge.NewEngine(bridge.Options{})
	require.NoError(t, engine.Tables().MessagePages.Set("1", "page-1"))

	failed := runCycle(context.Background(), engine, []string{bridge.JobReconcile, bridge.JobTrim, bridge.JobFollowUps})
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, engine.Tables().MessagePages.Len())
}

func TestClampJitterRatio(t *testing.T) {
	assert.Equal(t, 0.0, clampJitterRatio(-0.1))
	assert.Equal(t, 1.0, clampJitterRatio(1.5))
	assert.Equal(t, 0.4, clampJitterRatio(0.4))
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	assert.Equal(t, base, jitteredIntervalWithSample(base, 0, 0.2))
	assert.Equal(t, 8*time.Second, jitteredIntervalWithSample(base, 0.2, 0))
	assert.Equal(t, 10*time.Second, jitteredIntervalWithSample(base, 0.2, 0.5))
	assert.Equal(t, 12*time.Second, jitteredIntervalWithSample(base, 0.2, 1))
	assert.Equal(t, time.Duration(0), jitteredIntervalWithSample(0, 0.2, 1))
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("LEADBRIDGE_TEST_JOBS", "  ")
	assert.Equal(t, "trim", envOrDefault("LEADBRIDGE_TEST_JOBS", "trim"))
	t.Setenv("LEADBRIDGE_TEST_JOBS", " report ")
	assert.Equal(t, "report", envOrDefault("LEADBRIDGE_TEST_JOBS", "trim"))
}
