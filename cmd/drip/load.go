package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/drip/internal/sequence"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/pkg/schema"
)

// sequenceFile is the YAML shape accepted by `drip load`:
//
//	name: onboarding
//	goal_type: email_clicked
//	exit_on_goal_achieved: true
//	templates:
//	  - id: welcome
//	    subject: "Welcome, {{ first_name }}"
//	    html: "<p>Hi {{ first_name }}</p>"
//	steps:
//	  - id: e1
//	    type: email
//	    config: {template_id: welcome}
//	  - type: wait
//	    config: {delay: {value: 2, unit: days}}
type sequenceFile struct {
	sequence.CreateRequest `yaml:",inline"`
	TriggerConfig          map[string]any `yaml:"trigger_config"`
	Steps                  []stepFile     `yaml:"steps"`
	Templates              []templateFile `yaml:"templates"`
	Activate               bool           `yaml:"activate"`
}

type stepFile struct {
	ID     string         `yaml:"id"`
	Name   string         `yaml:"name"`
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

type templateFile struct {
	ID        string `yaml:"id"`
	Subject   string `yaml:"subject"`
	HTML      string `yaml:"html"`
	Text      string `yaml:"text"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`
}

// parseSequenceFile decodes a sequence file into a create request plus the
// templates it ships with. Steps take their order from their position.
func parseSequenceFile(data []byte, tenantID string) (sequence.CreateRequest, []*store.Template, bool, error) {
	var f sequenceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return sequence.CreateRequest{}, nil, false, fmt.Errorf("parse sequence file: %w", err)
	}

	req := f.CreateRequest
	if tenantID != "" {
		req.TenantID = tenantID
	}
	if req.TenantID == "" {
		return req, nil, false, schema.NewError(schema.ErrCodeValidation, "tenant is required (flag or tenant_id in file)")
	}
	if f.TriggerConfig != nil {
		raw, err := json.Marshal(f.TriggerConfig)
		if err != nil {
			return req, nil, false, fmt.Errorf("trigger_config: %w", err)
		}
		req.TriggerConfig = raw
	}

	req.Steps = make([]schema.Step, 0, len(f.Steps))
	for i, sf := range f.Steps {
		cfg := sf.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		step, err := schema.NewStep(sf.ID, i, schema.StepType(sf.Type), cfg)
		if err != nil {
			return req, nil, false, fmt.Errorf("step %d: %w", i, err)
		}
		step.Name = sf.Name
		req.Steps = append(req.Steps, step)
	}

	templates := make([]*store.Template, 0, len(f.Templates))
	for _, tf := range f.Templates {
		if tf.ID == "" {
			return req, nil, false, schema.NewError(schema.ErrCodeValidation, "template id is required")
		}
		templates = append(templates, &store.Template{
			TenantID:  req.TenantID,
			ID:        tf.ID,
			Subject:   tf.Subject,
			HTML:      tf.HTML,
			Text:      tf.Text,
			FromEmail: tf.FromEmail,
			FromName:  tf.FromName,
		})
	}
	return req, templates, f.Activate, nil
}

func runLoad(args []string) {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	tenant := fs.String("tenant", "", "owning tenant (overrides tenant_id in the file)")
	activate := fs.Bool("activate", false, "activate the sequence after creating it")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: drip load [--tenant t] [--activate] file.yaml")
		os.Exit(2)
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fatal(err)
	}
	req, templates, fileActivate, err := parseSequenceFile(data, *tenant)
	if err != nil {
		fatal(err)
	}

	ctx := context.Background()
	a, err := newApp(ctx, mustConfig())
	if err != nil {
		fatal(err)
	}
	defer a.close(ctx)

	seq, err := loadSequence(ctx, a.store, a.manager, req, templates, *activate || fileActivate)
	if err != nil {
		a.close(ctx)
		fatal(err)
	}
	fmt.Printf("Sequence %s (%s) is %s with %d steps\n", seq.ID, seq.Name, seq.Status, len(seq.Steps))
}

// loadSequence stores the templates, creates the sequence and optionally
// activates it.
func loadSequence(ctx context.Context, templates interface {
	PutTemplate(ctx context.Context, tpl *store.Template) error
}, m *sequence.Manager, req sequence.CreateRequest, tpls []*store.Template, activate bool) (*schema.Sequence, error) {
	for _, tpl := range tpls {
		if err := templates.PutTemplate(ctx, tpl); err != nil {
			return nil, fmt.Errorf("store template %s: %w", tpl.ID, err)
		}
	}
	seq, err := m.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if !activate {
		return seq, nil
	}
	return m.Activate(ctx, seq.TenantID, seq.ID)
}
