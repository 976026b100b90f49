package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// jobFile is the YAML form of a batch run. Command-line flags that were set
// explicitly take precedence over it.
type jobFile struct {
	Prompts    string   `yaml:"prompts"`
	PromptFile string   `yaml:"prompt_file"`
	Tags       []string `yaml:"tags"`
	Negative   string   `yaml:"negative_prompt"`
	Model      string   `yaml:"model"`
	Format     string   `yaml:"output_format"`
	Seed       *int64   `yaml:"seed"`
	Outputs    int      `yaml:"outputs"`
	PerJob     int      `yaml:"outputs_per_job"`
	Steps      int      `yaml:"steps"`
	Width      int      `yaml:"width"`
	Height     int      `yaml:"height"`
	Guidance   float64  `yaml:"guidance_scale"`
	FixFaces   bool     `yaml:"fix_faces"`
	Upscale    string   `yaml:"upscale"`
}

func loadJobFile(path string) (*jobFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("job file %s is empty", path)
	}
	var jf jobFile
	if err := yaml.Unmarshal(data, &jf); err != nil {
		return nil, fmt.Errorf("parse job file %s: %w", path, err)
	}
	return &jf, nil
}

// apply copies job file values into o for every option whose flag was not
// given on the command line.
func (jf *jobFile) apply(o *options, set map[string]bool) {
	str := func(flag string, dst *string, v string) {
		if !set[flag] && v != "" {
			*dst = v
		}
	}
	num := func(flag string, dst *int, v int) {
		if !set[flag] && v > 0 {
			*dst = v
		}
	}
	str("negative", &o.negative, jf.Negative)
	str("model", &o.model, jf.Model)
	str("format", &o.format, jf.Format)
	str("upscale", &o.upscale, jf.Upscale)
	str("file", &o.file, jf.PromptFile)
	num("outputs", &o.outputs, jf.Outputs)
	num("per-job", &o.perJob, jf.PerJob)
	num("steps", &o.steps, jf.Steps)
	num("width", &o.width, jf.Width)
	num("height", &o.height, jf.Height)
	if !set["guidance"] && jf.Guidance > 0 {
		o.guidance = jf.Guidance
	}
	if !set["fix-faces"] && jf.FixFaces {
		o.faceFix = true
	}
	if !set["seed"] && jf.Seed != nil {
		o.seed = *jf.Seed
	}
	if !set["tags"] && len(jf.Tags) > 0 {
		o.tags = strings.Join(jf.Tags, ",")
	}
	if !set["file"] && jf.PromptFile == "" && strings.TrimSpace(jf.Prompts) != "" {
		o.inline = jf.Prompts
	}
}
