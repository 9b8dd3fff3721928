// Package jobs reads action definitions from YAML files, for running an
// action locally without a scheduler.
package jobs

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type (
	// this is simply a structural representation of the job file
	Job struct {
		Name     string `yaml:"-"` // name of the job file
		Image    string `yaml:"image"`
		RepoURL  string `yaml:"repo_url"`
		ActionID uint32 `yaml:"action_id"`
		Steps    []Step `yaml:"steps"`
	}

	Step struct {
		Name    string     `yaml:"name"`
		Command StringList `yaml:"command"`
	}

	StringList []string
)

var (
	ErrNoImage = errors.New("job has no image")
	ErrNoRepo  = errors.New("job has no repository")
	ErrNoSteps = errors.New("job has no steps")
)

func FromFile(name string, contents []byte) (Job, error) {
	var job Job

	err := yaml.Unmarshal(contents, &job)
	if err != nil {
		return job, err
	}

	job.Name = name

	return job, job.Validate()
}

func Load(path string) (Job, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return Job{}, fmt.Errorf("reading job file: %w", err)
	}
	return FromFile(path, contents)
}

func (j Job) Validate() error {
	switch {
	case j.Image == "":
		return ErrNoImage
	case j.RepoURL == "":
		return ErrNoRepo
	case len(j.Steps) == 0:
		return ErrNoSteps
	}
	for i, s := range j.Steps {
		if len(s.Command) == 0 {
			return fmt.Errorf("step %d has no command", i+1)
		}
	}
	return nil
}

// Commands returns one shell command per step; multi-line steps run as
// one script.
func (j Job) Commands() []string {
	cmds := make([]string, 0, len(j.Steps))
	for _, s := range j.Steps {
		cmds = append(cmds, strings.Join(s.Command, "\n"))
	}
	return cmds
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {
		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			sv, ok := v.(string)
			if !ok {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
			parts[k] = sv
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}
