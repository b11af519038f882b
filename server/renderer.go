package server

import (
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"sync"
	"time"

	"github.com/stevecastle/lightfield/correspond"
)

var (
	templates *template.Template
	once      sync.Once
)

// --------------------------------------------------------------------
// Template embedding
// --------------------------------------------------------------------

//go:embed templates/*.go.html
var templatesFS embed.FS

const templateGlob = "templates/*.go.html"

// formatTime is a helper function that can be called from templates.
// Example usage in template: {{ formatTime .CreatedAt }}
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("Jan 2, 2006 15:04:05")
}

// jsonFunc marshals an object to JSON for use in templates
func jsonFunc(v any) (template.JS, error) {
	a, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return template.JS(a), nil
}

// outcomeClass maps a view outcome to a CSS class.
func outcomeClass(o correspond.Outcome) string {
	switch o {
	case correspond.OutcomeMatched:
		return "ok"
	case correspond.OutcomeDegenerate:
		return "muted"
	default:
		return "warn"
	}
}

func formatScore(f float64) string {
	return fmt.Sprintf("%.1f", f)
}

// Templates returns the parsed templates. Parse errors are programming
// errors in the embedded files and panic.
func Templates() *template.Template {
	once.Do(func() {
		templates = template.Must(template.New("").
			Funcs(template.FuncMap{
				"formatTime":   formatTime,
				"json":         jsonFunc,
				"outcomeClass": outcomeClass,
				"score":        formatScore,
			}).
			ParseFS(templatesFS, templateGlob))
	})
	return templates
}
