package runtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/shaiso/Tokenflow/internal/jobs"
)

// Ошибки шаблонов payload.
var (
	// ErrTemplateParse — шаблон не разбирается; повтор не поможет.
	ErrTemplateParse = errors.New("payload template parse failed")

	// ErrTemplateRender — ошибка подстановки значений.
	ErrTemplateRender = errors.New("payload template render failed")
)

// PayloadData — данные, доступные шаблонам payload:
//
//	{{ .Vars.orderId }}
//	{{ .Job.Retries }}
//	{{ .ActivityRef }}
type PayloadData struct {
	// Vars — видимые переменные scope execution.
	Vars map[string]any

	// Job — текущий job.
	Job JobData

	// ActivityRef — позиция execution.
	ActivityRef string
}

// JobData — поля job для шаблонов.
type JobData struct {
	ID         string
	Type       string
	Retries    int
	MaxRetries int
}

// payloadData собирает данные шаблонов для тела работы.
func (jc *JobContext) payloadData() (*PayloadData, error) {
	vars, err := jc.Scope.Variables()
	if err != nil {
		return nil, err
	}
	return &PayloadData{
		Vars: vars,
		Job: JobData{
			ID:         jc.Job.ID.String(),
			Type:       jc.Job.Type,
			Retries:    jc.Job.Retries,
			MaxRetries: jc.Job.MaxRetries,
		},
		ActivityRef: jc.Execution.ActivityRef,
	}, nil
}

// RenderPayload подставляет переменные в строковые значения payload.
// Рекурсивно обходит map и slice; прочие значения не меняются.
// Ошибка разбора шаблона фатальна для job.
func (jc *JobContext) RenderPayload() (map[string]any, error) {
	if len(jc.Job.Payload) == 0 {
		return map[string]any{}, nil
	}
	data, err := jc.payloadData()
	if err != nil {
		return nil, err
	}

	rendered, err := renderValue(jc.Job.Payload, data)
	if err != nil {
		if errors.Is(err, ErrTemplateParse) {
			return nil, jobs.Fatal(err)
		}
		return nil, err
	}
	return rendered.(map[string]any), nil
}

var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — значение по умолчанию для пустого
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	"lower":   strings.ToLower,
	"upper":   strings.ToUpper,
	"trim":    strings.TrimSpace,
	"replace": strings.ReplaceAll,
}

func renderString(tmpl string, data *PayloadData) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}
	return buf.String(), nil
}

func renderValue(value any, data *PayloadData) (any, error) {
	switch v := value.(type) {
	case string:
		return renderString(v, data)

	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			rendered, err := renderValue(val, data)
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			rendered, err := renderValue(val, data)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil

	case map[string]string:
		out := make(map[string]string, len(v))
		for key, val := range v {
			rendered, err := renderString(val, data)
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil

	default:
		return value, nil
	}
}
