package generator

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"sync"
	"text/template"

	"gopkg.in/yaml.v2"
)

// PromptData is what a prompt template can reference.
type PromptData struct {
	Title      string
	Content    string
	Date       string
	Notes      string
	Primary    string
	TaskNumber int
	Payload    string
}

// StagePrompt is the pair of templates used for one stage.
type StagePrompt struct {
	System string `yaml:"system"`
	Prompt string `yaml:"prompt"`
}

// TemplateSet maps stage name to its prompt.
type TemplateSet map[string]StagePrompt

// PromptBuilder renders stage prompts from named template sets.
type PromptBuilder struct {
	mu   sync.RWMutex
	sets map[string]TemplateSet
}

// NewPromptBuilder returns a builder holding the built-in sets. When path is
// not empty the YAML file at path is loaded on top; sets with the same name
// replace the built-in ones.
//
// The file format is
//
//	templates:
//	  weekly:
//	    primary:
//	      system: "..."
//	      prompt: "..."
func NewPromptBuilder(path string) (*PromptBuilder, error) {
	b := &PromptBuilder{sets: make(map[string]TemplateSet, len(builtinTemplates))}
	for name, set := range builtinTemplates {
		b.sets[name] = set
	}

	if path == "" {
		return b, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template file: %w", err)
	}
	var file struct {
		Templates map[string]TemplateSet `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse template file: %w", err)
	}
	for name, set := range file.Templates {
		b.sets[name] = set
	}
	return b, nil
}

// Names lists the available template sets.
func (b *PromptBuilder) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.sets))
	for name := range b.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a template set exists.
func (b *PromptBuilder) Has(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.sets[name]
	return ok
}

// Build renders the system and user prompts for stage using template set
// name.
func (b *PromptBuilder) Build(name, stage string, data PromptData) (system, prompt string, err error) {
	b.mu.RLock()
	set, ok := b.sets[name]
	b.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("unknown template %q", name)
	}
	sp, ok := set[stage]
	if !ok {
		return "", "", fmt.Errorf("template %q has no prompt for stage %s", name, stage)
	}

	if system, err = render(name+"/"+stage+"/system", sp.System, data); err != nil {
		return "", "", err
	}
	if prompt, err = render(name+"/"+stage+"/prompt", sp.Prompt, data); err != nil {
		return "", "", err
	}
	return system, prompt, nil
}

func render(id, text string, data PromptData) (string, error) {
	tmpl, err := template.New(id).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", id, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template %s: %w", id, err)
	}
	return buf.String(), nil
}

const lessonSystem = "You are an experienced primary school teacher preparing classroom material. Answer in Markdown."

var builtinTemplates = map[string]TemplateSet{
	"standard": {
		"primary": {
			System: lessonSystem,
			Prompt: "Write a complete lesson plan titled \"{{.Title}}\" for {{.Date}}.\n\n" +
				"Source material:\n{{.Content}}\n{{if .Notes}}\nTeacher notes:\n{{.Notes}}\n{{end}}" +
				"\nInclude objectives, materials, a timed sequence of activities and an assessment.",
		},
		"derived-a": {
			System: lessonSystem,
			Prompt: "Turn this lesson plan into a slide outline, one heading per slide with three bullet points each.\n\n{{.Primary}}",
		},
		"derived-b": {
			System: lessonSystem,
			Prompt: "Write a one-page student worksheet with exercises that practise the objectives of this lesson plan.\n\n{{.Primary}}",
		},
		"derived-c": {
			System: lessonSystem,
			Prompt: "Write a ten-question quiz with an answer key for this lesson plan.\n\n{{.Primary}}",
		},
		"derived-d": {
			System: lessonSystem,
			Prompt: "Write a short note to parents summarising what the class learned in this lesson and how to practise at home.\n\n{{.Primary}}",
		},
		"generate": {
			System: lessonSystem,
			Prompt: "Write lesson number {{.TaskNumber}} of the following course.\n\n{{.Payload}}",
		},
	},
	"concise": {
		"primary": {
			System: lessonSystem + " Keep every answer brief.",
			Prompt: "Outline a lesson titled \"{{.Title}}\" ({{.Date}}) from this material:\n{{.Content}}",
		},
		"derived-a": {System: lessonSystem, Prompt: "List slide titles for:\n{{.Primary}}"},
		"derived-b": {System: lessonSystem, Prompt: "Five practice exercises for:\n{{.Primary}}"},
		"derived-c": {System: lessonSystem, Prompt: "Five quiz questions with answers for:\n{{.Primary}}"},
		"derived-d": {System: lessonSystem, Prompt: "Two sentences for parents about:\n{{.Primary}}"},
		"generate": {
			System: lessonSystem + " Keep every answer brief.",
			Prompt: "Outline lesson {{.TaskNumber}} of:\n{{.Payload}}",
		},
	},
}
