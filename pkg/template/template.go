// Package template renders the expressions of flow definitions (runIf, conditions,
// inputs, outputs) against execution variables.
package template

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"regexp"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// Renderer evaluates templates. Implementations must be safe for concurrent use.
type Renderer interface {
	// Render returns the rendered text.
	Render(templateStr string, vars map[string]any) (string, error)
	// RenderValue renders then coerces the text to JSON, a number or a boolean when it parses as one.
	RenderValue(templateStr string, vars map[string]any) (any, error)
	// RenderMap renders every string found in a nested value.
	RenderMap(values map[string]any, vars map[string]any) (map[string]any, error)
	// IsTrue renders a condition and reports its truthiness.
	IsTrue(templateStr string, vars map[string]any) (bool, error)
}

// EvaluationError reports a template that failed to parse or execute.
type EvaluationError struct {
	Template string
	Line     int
	Message  string
	Err      error
}

func (e *EvaluationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("failed to render template at line %d: %s", e.Line, e.Message)
	}

	return "failed to render template: " + e.Message
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// IsEvaluationError reports whether err comes from a template.
func IsEvaluationError(err error) bool {
	var target *EvaluationError

	return errors.As(err, &target)
}

var lineRegexp = regexp.MustCompile(`template: [^:]*:(\d+)(?::\d+)?: (.*)`)

func newEvaluationError(templateStr string, err error) *EvaluationError {
	evalErr := &EvaluationError{Template: templateStr, Message: err.Error(), Err: err}

	if match := lineRegexp.FindStringSubmatch(err.Error()); match != nil {
		if line, convErr := strconv.Atoi(match[1]); convErr == nil {
			evalErr.Line = line
		}

		evalErr.Message = match[2]
	}

	return evalErr
}

// TextRenderer renders text/template expressions with missing keys reported as errors.
type TextRenderer struct {
	funcs template.FuncMap
}

var _ Renderer = (*TextRenderer)(nil)

func NewRenderer() *TextRenderer {
	return &TextRenderer{
		funcs: template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"rand": func(maxValue int) int {
				if maxValue <= 0 {
					return 0
				}

				n, err := rand.Int(rand.Reader, big.NewInt(int64(maxValue)))
				if err != nil {
					return 0
				}

				return int(n.Int64())
			},
			"env": os.Getenv,
			"json": func(v any) (string, error) {
				b, err := json.Marshal(v)

				return string(b), err
			},
			"default": func(fallback, v any) any {
				if v == nil || v == "" {
					return fallback
				}

				return v
			},
			"contains": strings.Contains,
			"lower":    strings.ToLower,
			"upper":    strings.ToUpper,
		},
	}
}

func (r *TextRenderer) Render(templateStr string, vars map[string]any) (string, error) {
	if !strings.Contains(templateStr, "{{") {
		return templateStr, nil
	}

	tmpl, err := template.New("expression").
		Option("missingkey=error").
		Funcs(r.funcs).
		Parse(templateStr)
	if err != nil {
		return "", newEvaluationError(templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, vars)
	if err != nil {
		return "", newEvaluationError(templateStr, err)
	}

	return buf.String(), nil
}

func (r *TextRenderer) RenderValue(templateStr string, vars map[string]any) (any, error) {
	rendered, err := r.Render(templateStr, vars)
	if err != nil {
		return nil, err
	}

	return coerce(rendered), nil
}

func (r *TextRenderer) RenderMap(values map[string]any, vars map[string]any) (map[string]any, error) {
	rendered := make(map[string]any, len(values))

	for key, value := range values {
		v, err := r.renderAny(value, vars)
		if err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", key, err)
		}

		rendered[key] = v
	}

	return rendered, nil
}

func (r *TextRenderer) renderAny(value any, vars map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return r.RenderValue(v, vars)
	case map[string]any:
		return r.RenderMap(v, vars)
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			rendered, err := r.renderAny(item, vars)
			if err != nil {
				return nil, err
			}

			out[i] = rendered
		}

		return out, nil
	default:
		return value, nil
	}
}

func (r *TextRenderer) IsTrue(templateStr string, vars map[string]any) (bool, error) {
	rendered, err := r.Render(templateStr, vars)
	if err != nil {
		return false, err
	}

	return IsTruthy(rendered), nil
}

// IsTruthy treats empty, "false", "0", "null", "nil" and "<no value>" as false.
func IsTruthy(rendered string) bool {
	switch strings.ToLower(strings.TrimSpace(rendered)) {
	case "", "false", "0", "null", "nil", "<no value>":
		return false
	default:
		return true
	}
}

func coerce(rendered string) any {
	result := strings.TrimSpace(rendered)

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		if err := json.Unmarshal([]byte(result), &jsonResult); err == nil {
			return jsonResult
		}

		return rendered
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b
	}

	return rendered
}
