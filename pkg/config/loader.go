package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/terrane-dev/terrane/pkg/engine"
)

// Loader parses deployment files. CUE files get full constraint evaluation;
// YAML files are decoded directly. A directory loads every .cue and
// .yaml/.yml file it contains, in sorted order.
type Loader struct {
	ctx      *cue.Context
	validate *validator.Validate
}

// NewLoader creates a deployment loader.
func NewLoader() *Loader {
	return &Loader{
		ctx:      cuecontext.New(),
		validate: validator.New(),
	}
}

// Load reads a deployment from a file or directory.
func (l *Loader) Load(source string) (*Deployment, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
	}

	files := []string{source}
	if info.IsDir() {
		files, err = listDeploymentFiles(source)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no deployment files found in %s", source)
		}
	}

	merged := &Deployment{ParsedAt: time.Now()}
	seen := make(map[string]string) // resource ID -> file
	for _, file := range files {
		dep, err := l.loadFile(file)
		if err != nil {
			return nil, err
		}
		if merged.Name == "" {
			merged.Name = dep.Name
		}
		for _, res := range dep.Resources {
			if prev, dup := seen[res.ID]; dup {
				return nil, ValidationError{
					File:    file,
					Field:   res.ID,
					Message: fmt.Sprintf("resource already declared in %s", prev),
				}
			}
			seen[res.ID] = file
			merged.Resources = append(merged.Resources, res)
		}
		merged.Types = append(merged.Types, dep.Types...)
		merged.SourceFiles = append(merged.SourceFiles, file)
	}

	if err := l.validateDeployment(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// LoadInline parses deployment content without touching the filesystem.
// format is "cue" or "yaml".
func (l *Loader) LoadInline(content, format string) (*Deployment, error) {
	dep := &Deployment{ParsedAt: time.Now()}
	var err error
	switch format {
	case "cue":
		dep, err = l.decodeCUE(content, "(inline)")
	case "yaml", "yml":
		dep, err = decodeYAML([]byte(content), "(inline)")
	default:
		return nil, fmt.Errorf("unknown deployment format %q", format)
	}
	if err != nil {
		return nil, err
	}
	if err := l.validateDeployment(dep); err != nil {
		return nil, err
	}
	return dep, nil
}

func (l *Loader) loadFile(path string) (*Deployment, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return l.decodeCUE(string(content), path)
	case ".yaml", ".yml":
		return decodeYAML(content, path)
	default:
		return nil, fmt.Errorf("unsupported deployment file %s (want .cue, .yaml, or .yml)", path)
	}
}

func (l *Loader) decodeCUE(content, filename string) (*Deployment, error) {
	val := l.ctx.CompileString(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, ValidationError{File: filename, Message: err.Error()}
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, ValidationError{File: filename, Message: err.Error()}
	}

	dep := &Deployment{ParsedAt: time.Now()}
	if err := val.Decode(dep); err != nil {
		return nil, ValidationError{File: filename, Message: err.Error()}
	}
	return dep, nil
}

func decodeYAML(content []byte, filename string) (*Deployment, error) {
	dep := &Deployment{ParsedAt: time.Now()}
	if err := yaml.Unmarshal(content, dep); err != nil {
		return nil, ValidationError{File: filename, Message: err.Error()}
	}
	// yaml.v3 decodes nested mappings as map[string]interface{} already, but
	// property values may still carry map[interface{}]interface{} from
	// unusual keys; normalize so the engine sees JSON-shaped data.
	for i := range dep.Resources {
		dep.Resources[i].Properties = normalizeMap(dep.Resources[i].Properties)
	}
	return dep, nil
}

func (l *Loader) validateDeployment(dep *Deployment) error {
	if err := l.validate.Struct(dep); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return ValidationError{
				Field:   first.Namespace(),
				Message: fmt.Sprintf("failed on %q constraint", first.Tag()),
			}
		}
		return err
	}
	return nil
}

// Specs converts the deployment to engine resource specs, preserving file
// order.
func (d *Deployment) Specs() []engine.ResourceSpec {
	specs := make([]engine.ResourceSpec, 0, len(d.Resources))
	for _, res := range d.Resources {
		specs = append(specs, engine.ResourceSpec{
			ID:         res.ID,
			Type:       res.Type,
			Properties: res.Properties,
			DependsOn:  res.DependsOn,
			Labels:     res.Labels,
		})
	}
	return specs
}

// SchemaRegistry builds the type schema registry from the deployment's type
// declarations.
func (d *Deployment) SchemaRegistry() (*engine.TypeSchemaRegistry, error) {
	registry := engine.NewTypeSchemaRegistry()
	for _, tc := range d.Types {
		err := registry.Register(engine.TypeSchema{
			Type:                tc.Type,
			Immutable:           tc.Immutable,
			CreateBeforeDestroy: tc.CreateBeforeDestroy,
		})
		if err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func listDeploymentFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".cue", ".yaml", ".yml":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func normalizeMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return normalizeMap(val)
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
