package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, `
name: valid
description: "Loads with config overrides"
config:
  loop:
    connectivity_interval: 5s
authority:
  identities:
    - {user_id: 7, name: Ines, role: alumno, template: t7}
steps:
  - name: boot
  - name: scan
    capture: {kind: match, slot: 1, confidence: 90}
    advance: 10s
    ticks: 3
assertions:
  - {type: queue_len, count: 0}
`)
	sc, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "valid", sc.Name)
	assert.Equal(t, 5*time.Second, sc.Config.Loop.ConnectivityInterval)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, sc.Config.Loop.HeartbeatInterval)
	assert.Equal(t, "2.0.0", sc.Config.Device.FirmwareVersion)

	require.Len(t, sc.Authority.Identities, 1)
	assert.Equal(t, int64(7), sc.Authority.Identities[0].UserID)

	require.Len(t, sc.Steps, 2)
	assert.Equal(t, 1, sc.Steps[0].ticks())
	require.NotNil(t, sc.Steps[1].Capture)
	assert.Equal(t, "match", sc.Steps[1].Capture.Kind)
	assert.Equal(t, 10*time.Second, sc.Steps[1].Advance)
	assert.Equal(t, 3, sc.Steps[1].ticks())

	require.Len(t, sc.Assertions, 1)
	require.NotNil(t, sc.Assertions[0].Count)
	assert.Equal(t, 0, *sc.Assertions[0].Count)
}

func TestLoadScenario_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "unknown field",
			content: "name: x\nsteps: [{name: a}]\nassertion: []\n",
			want:    "failed to parse YAML",
		},
		{
			name:    "missing name",
			content: "steps: [{name: a}]\n",
			want:    "name is required",
		},
		{
			name:    "no steps",
			content: "name: x\n",
			want:    "at least one step",
		},
		{
			name:    "bad link switch",
			content: "name: x\nsteps: [{name: a, link: sideways}]\n",
			want:    "link must be up or down",
		},
		{
			name:    "negative advance",
			content: "name: x\nsteps: [{name: a, advance: -1s}]\n",
			want:    "cannot be negative",
		},
		{
			name:    "local without slot",
			content: "name: x\nlocal: [{user_id: 3}]\nsteps: [{name: a}]\n",
			want:    "user_id and slot are required",
		},
		{
			name:    "unknown assertion",
			content: "name: x\nsteps: [{name: a}]\nassertions: [{type: vibes}]\n",
			want:    `unknown assertion type "vibes"`,
		},
		{
			name:    "assertion missing count",
			content: "name: x\nsteps: [{name: a}]\nassertions: [{type: queue_len}]\n",
			want:    "queue_len requires count",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadDir(t *testing.T) {
	scenarios, err := LoadDir("testdata/scenarios")
	require.NoError(t, err)

	var names []string
	for _, sc := range scenarios {
		names = append(names, sc.Name)
	}
	assert.Equal(t, []string{"enroll_online", "offline_attendance", "remote_commands", "retry_exhaustion"}, names)
}

func TestLoadDir_DuplicateNames(t *testing.T) {
	dir := t.TempDir()
	body := []byte("name: same\nsteps: [{name: a}]\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), body, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), body, 0644))

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `scenario "same" defined in both`)
}

func TestLoadDir_MissingDir(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}
