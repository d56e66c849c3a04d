package delivery

import (
	"fmt"
	"sync"

	"github.com/osteele/liquid"

	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/pkg/schema"
)

// Renderer renders liquid templates. Parsed templates are cached per
// tenant, template id, part and last update, so edits invalidate naturally.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewRenderer creates a Renderer with the drip filters registered.
func NewRenderer() *Renderer {
	engine := liquid.NewEngine()

	// {{ first_name | default: "there" }}
	engine.RegisterFilter("default", func(value any, defaultVal string) any {
		if value == nil {
			return defaultVal
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	return &Renderer{engine: engine}
}

// Rendered holds the rendered parts of a template.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Render renders every non-empty part of tpl. subjectOverride, when set,
// replaces the template subject.
func (r *Renderer) Render(tpl *store.Template, subjectOverride string, vars map[string]any) (*Rendered, error) {
	subject, subjectPart := tpl.Subject, "subject"
	if subjectOverride != "" {
		subject, subjectPart = subjectOverride, "subject:"+subjectOverride
	}
	var (
		out Rendered
		err error
	)
	if out.Subject, err = r.renderPart(tpl, subjectPart, subject, vars); err != nil {
		return nil, err
	}
	if out.HTML, err = r.renderPart(tpl, "html", tpl.HTML, vars); err != nil {
		return nil, err
	}
	if out.Text, err = r.renderPart(tpl, "text", tpl.Text, vars); err != nil {
		return nil, err
	}
	return &out, nil
}

// Parse reports template syntax errors without rendering.
func (r *Renderer) Parse(source string) error {
	if _, err := r.engine.ParseString(source); err != nil {
		return err
	}
	return nil
}

func (r *Renderer) renderPart(tpl *store.Template, part, source string, vars map[string]any) (string, error) {
	if source == "" {
		return "", nil
	}
	key := fmt.Sprintf("%s/%s/%d/%s", tpl.TenantID, tpl.ID, tpl.UpdatedAt.UnixMilli(), part)

	var parsed *liquid.Template
	if cached, ok := r.cache.Load(key); ok {
		parsed = cached.(*liquid.Template)
	} else {
		p, err := r.engine.ParseString(source)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "template %q %s: %v", tpl.ID, part, err).WithCause(err)
		}
		r.cache.Store(key, p)
		parsed = p
	}

	out, err := parsed.RenderString(vars)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "render template %q %s: %v", tpl.ID, part, err).WithCause(err)
	}
	return out, nil
}

// Bindings builds the variables visible to a template: enrollment data,
// then custom fields (which win), plus a "subscriber" object.
func Bindings(req Request) map[string]any {
	vars := make(map[string]any)
	sub := req.Subscriber
	if sub == nil {
		return vars
	}
	for k, v := range sub.EnrollmentData {
		vars[k] = v
	}
	for k, v := range sub.CustomFields {
		vars[k] = v
	}
	vars["email"] = sub.Email
	vars["subscriber"] = map[string]any{
		"id":            sub.SubscriberID,
		"email":         sub.Email,
		"enrolled_at":   sub.EnrolledAt,
		"emails_sent":   sub.EmailsSent,
		"custom_fields": sub.CustomFields,
	}
	vars["sequence_id"] = req.SequenceID
	vars["step_id"] = req.StepID
	return vars
}
