package jobs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalJob(t *testing.T) {
	yamlData := `
image: alpine/git
repo_url: https://example.com/acme/widgets.git
action_id: 7
steps:
  - name: build
    command: make
  - name: test
    command:
      - cd tests
      - make check
`

	job, err := FromFile("job.yml", []byte(yamlData))
	require.NoError(t, err)

	assert.Equal(t, "job.yml", job.Name)
	assert.Equal(t, "alpine/git", job.Image)
	assert.Equal(t, uint32(7), job.ActionID)
	assert.Equal(t, []string{"make", "cd tests\nmake check"}, job.Commands())
}

func TestInvalidJobs(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr error
	}{
		{
			name:    "no image",
			yaml:    "repo_url: https://x/y\nsteps: [{command: make}]",
			wantErr: ErrNoImage,
		},
		{
			name:    "no repository",
			yaml:    "image: alpine\nsteps: [{command: make}]",
			wantErr: ErrNoRepo,
		},
		{
			name:    "no steps",
			yaml:    "image: alpine\nrepo_url: https://x/y",
			wantErr: ErrNoSteps,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromFile("job.yml", []byte(tt.yaml))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestStepWithoutCommand(t *testing.T) {
	_, err := FromFile("job.yml", []byte("image: alpine\nrepo_url: https://x/y\nsteps: [{name: empty}]"))
	assert.Error(t, err)
}

func TestNonStringCommand(t *testing.T) {
	_, err := FromFile("job.yml", []byte("image: alpine\nrepo_url: https://x/y\nsteps: [{command: [make, {a: b}]}]"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yml")
	require.NoError(t, os.WriteFile(path, []byte("image: alpine\nrepo_url: https://x/y\nsteps: [{command: 'true'}]"), 0o644))

	job, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"true"}, job.Commands())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
