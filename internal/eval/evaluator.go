// Package eval loads stack files into the IR and validates them.
package eval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/apple/pkl-go/pkl"
	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/picklr-io/tierctl/internal/logging"
	"github.com/picklr-io/tierctl/internal/stack"
	"gopkg.in/yaml.v3"
)

// DefaultFiles are tried in order when no stack file is given.
var DefaultFiles = []string{"tierctl.yaml", "tierctl.yml", "tierctl.json", "main.pkl"}

// ErrNoStackFile is returned by Find when no default stack file exists.
var ErrNoStackFile = errors.New("no stack file found")

// LoadError reports a stack file that could not be read or decoded.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Evaluator handles stack file evaluation into IR types.
type Evaluator struct {
	projectDir string
}

func NewEvaluator(projectDir string) *Evaluator {
	return &Evaluator{
		projectDir: projectDir,
	}
}

// Find returns the stack file to load: name when set, otherwise the first
// of DefaultFiles present in the project directory.
func (e *Evaluator) Find(name string) (string, error) {
	if name != "" {
		return e.path(name), nil
	}
	for _, candidate := range DefaultFiles {
		path := e.path(candidate)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", &LoadError{
		Path: e.projectDir,
		Err:  fmt.Errorf("%w (looked for %s)", ErrNoStackFile, strings.Join(DefaultFiles, ", ")),
	}
}

func (e *Evaluator) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(e.projectDir, name)
}

// LoadConfig evaluates the stack file, applies defaults and validates the
// result. Properties are passed to Pkl as external properties.
func (e *Evaluator) LoadConfig(ctx context.Context, entryPoint string, properties map[string]string) (*ir.Config, error) {
	path := e.path(entryPoint)

	var (
		cfg *ir.Config
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pkl":
		cfg, err = e.loadPkl(ctx, path, properties)
	case ".yaml", ".yml", ".json":
		cfg, err = loadYAML(path)
	default:
		err = fmt.Errorf("unsupported stack file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	for _, res := range cfg.Resources {
		if res != nil {
			res.Properties = ir.CopyProperties(res.Properties)
		}
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	logging.Debug("stack file loaded", "path", path, "resources", len(cfg.Resources))
	return cfg, nil
}

func (e *Evaluator) loadPkl(ctx context.Context, path string, properties map[string]string) (*ir.Config, error) {
	u, err := url.Parse("file://" + e.projectDir + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse project directory URL: %w", err)
	}

	opts := []func(*pkl.EvaluatorOptions){pkl.PreconfiguredOptions}
	if len(properties) > 0 {
		opts = append(opts, func(o *pkl.EvaluatorOptions) {
			if o.Properties == nil {
				o.Properties = make(map[string]string)
			}
			for k, v := range properties {
				o.Properties[k] = v
			}
		})
	}

	evaluator, err := pkl.NewProjectEvaluator(ctx, u, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
	}
	defer evaluator.Close()

	var cfg ir.Config
	if err := evaluator.EvaluateModule(ctx, pkl.FileSource(path), &cfg); err != nil {
		return nil, fmt.Errorf("failed to evaluate config: %w", err)
	}
	return &cfg, nil
}

func loadYAML(path string) (*ir.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeYAML(data)
}

// DecodeYAML decodes a YAML or JSON stack document. Unknown fields are
// rejected.
func DecodeYAML(data []byte) (*ir.Config, error) {
	var cfg ir.Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("stack file is empty")
		}
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset stack, state, backend and engine settings.
func ApplyDefaults(cfg *ir.Config) {
	if !cfg.Stack.Disabled {
		stack.ApplyDefaults(&cfg.Stack)
	}
	if cfg.State.Type == "" {
		cfg.State.Type = "file"
	}
	if cfg.State.Region == "" {
		cfg.State.Region = cfg.Stack.Region
	}
	if cfg.Backend.Mode == "" {
		cfg.Backend.Mode = "null"
	}
	if cfg.Backend.Region == "" {
		cfg.Backend.Region = cfg.Stack.Region
	}
}
