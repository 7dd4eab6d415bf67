package eval

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/picklr-io/tierctl/internal/engine"
	"github.com/picklr-io/tierctl/internal/ir"
)

// ValidationError lists every problem found in a stack file.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid stack file:\n  " + strings.Join(e.Problems, "\n  ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints, descriptor kinds and durations.
func Validate(cfg *ir.Config) error {
	var problems []string
	check := func(section string, v any) {
		if err := validate.Struct(v); err != nil {
			problems = append(problems, fieldProblems(section, err)...)
		}
	}

	if !cfg.Stack.Disabled {
		check("stack", cfg.Stack)
	}
	check("state", cfg.State)
	check("backend", cfg.Backend)
	check("engine", cfg.Engine)

	for i, res := range cfg.Resources {
		switch {
		case res == nil:
			problems = append(problems, fmt.Sprintf("resources[%d]: empty entry", i))
		case res.ID == "":
			problems = append(problems, fmt.Sprintf("resources[%d]: id is required", i))
		case !res.Removed && !res.Kind.Valid():
			problems = append(problems, fmt.Sprintf("resources[%d] (%s): unknown kind %q", i, res.ID, res.Kind))
		}
	}
	for i, id := range cfg.Removed {
		if id == "" {
			problems = append(problems, fmt.Sprintf("removed[%d]: empty id", i))
		}
	}

	if _, err := EngineOptions(cfg.Engine); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func fieldProblems(section string, err error) []string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return []string{fmt.Sprintf("%s: %v", section, err)}
	}
	out := make([]string, 0, len(errs))
	for _, fe := range errs {
		field := section + "." + fe.Field()
		if fe.Param() != "" {
			out = append(out, fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			out = append(out, fmt.Sprintf("%s: failed %s (got %v)", field, fe.Tag(), fe.Value()))
		}
	}
	return out
}

// EngineOptions converts engine settings into engine options.
func EngineOptions(cfg ir.EngineConfig) (engine.Options, error) {
	opts := engine.Options{
		Retry:       engine.DefaultRetryPolicy(),
		Parallelism: cfg.Parallelism,
	}
	if cfg.MaxAttempts > 0 {
		opts.Retry.MaxAttempts = cfg.MaxAttempts
	}

	for _, d := range []struct {
		name  string
		value string
		into  *time.Duration
	}{
		{"engine.baseDelay", cfg.BaseDelay, &opts.Retry.BaseDelay},
		{"engine.maxDelay", cfg.MaxDelay, &opts.Retry.MaxDelay},
		{"engine.runTimeout", cfg.RunTimeout, &opts.RunTimeout},
	} {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil || parsed < 0 {
			return engine.Options{}, fmt.Errorf("%s: invalid duration %q", d.name, d.value)
		}
		*d.into = parsed
	}
	if opts.Retry.MaxDelay < opts.Retry.BaseDelay {
		return engine.Options{}, fmt.Errorf("engine.maxDelay %s is shorter than engine.baseDelay %s", opts.Retry.MaxDelay, opts.Retry.BaseDelay)
	}
	return opts, nil
}
