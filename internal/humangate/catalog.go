package humangate

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"

	"github.com/fyrsmithlabs/regcycle/internal/domain"
)

// Extractor derives a value from tool parameters.
type Extractor func(toolName string, params map[string]interface{}) string

// ParamExtractor returns the first non-empty string parameter among keys.
func ParamExtractor(keys ...string) Extractor {
	return func(_ string, params map[string]interface{}) string {
		for _, k := range keys {
			if v, ok := params[k]; ok && v != nil {
				if s := fmt.Sprint(v); s != "" {
					return s
				}
			}
		}
		return ""
	}
}

// ConstExtractor always returns v.
func ConstExtractor(v string) Extractor {
	return func(string, map[string]interface{}) string { return v }
}

// CatalogEntry describes how a critical tool call is presented for approval.
// Templates are text/template strings evaluated against TemplateData.
type CatalogEntry struct {
	ActionType          domain.ActionType
	ToolNames           []string
	TitleTemplate       string
	DescriptionTemplate string
	ImpactTemplate      string
	RequiredRole        string
	EntityType          Extractor
	EntityID            Extractor
}

// TemplateData is the data available to catalog templates.
type TemplateData struct {
	Tool       string
	EntityType string
	EntityID   string
	Params     map[string]interface{}
}

type compiledEntry struct {
	CatalogEntry
	title       *template.Template
	description *template.Template
	impact      *template.Template
}

// Catalog is the closed lookup table from tool name to action definition.
type Catalog struct {
	byTool map[string]*compiledEntry
	byType map[domain.ActionType]*compiledEntry
}

// AllActionTypes lists every action type a catalog must define.
func AllActionTypes() []domain.ActionType {
	return []domain.ActionType{
		domain.ActionUpdateRule,
		domain.ActionDeleteRule,
		domain.ActionApproveCatalog,
		domain.ActionSubmitReport,
		domain.ActionCompleteCycle,
		domain.ActionModifyLineage,
		domain.ActionResolveIssue,
		domain.ActionOverrideThreshold,
	}
}

// NewCatalog validates entries exhaustively: every action type has exactly
// one entry, every tool maps to one action type, all templates parse and
// every entry names a role and both extractors.
func NewCatalog(entries []CatalogEntry) (*Catalog, error) {
	c := &Catalog{
		byTool: make(map[string]*compiledEntry),
		byType: make(map[domain.ActionType]*compiledEntry),
	}

	for _, e := range entries {
		if _, dup := c.byType[e.ActionType]; dup {
			return nil, fmt.Errorf("duplicate catalog entry for action type %q", e.ActionType)
		}
		if len(e.ToolNames) == 0 {
			return nil, fmt.Errorf("action type %q has no tool names", e.ActionType)
		}
		if e.RequiredRole == "" {
			return nil, fmt.Errorf("action type %q has no required role", e.ActionType)
		}
		if e.EntityType == nil || e.EntityID == nil {
			return nil, fmt.Errorf("action type %q is missing an entity extractor", e.ActionType)
		}

		ce := &compiledEntry{CatalogEntry: e}
		var err error
		if ce.title, err = parse(e.ActionType, "title", e.TitleTemplate); err != nil {
			return nil, err
		}
		if ce.description, err = parse(e.ActionType, "description", e.DescriptionTemplate); err != nil {
			return nil, err
		}
		if ce.impact, err = parse(e.ActionType, "impact", e.ImpactTemplate); err != nil {
			return nil, err
		}

		for _, tool := range e.ToolNames {
			if prev, dup := c.byTool[tool]; dup {
				return nil, fmt.Errorf("tool %q mapped to both %q and %q", tool, prev.ActionType, e.ActionType)
			}
			c.byTool[tool] = ce
		}
		c.byType[e.ActionType] = ce
	}

	for _, at := range AllActionTypes() {
		if _, ok := c.byType[at]; !ok {
			return nil, fmt.Errorf("catalog has no entry for action type %q", at)
		}
	}
	if len(c.byType) != len(AllActionTypes()) {
		return nil, fmt.Errorf("catalog defines unknown action types")
	}
	return c, nil
}

func parse(at domain.ActionType, field, text string) (*template.Template, error) {
	if text == "" {
		return nil, fmt.Errorf("action type %q has an empty %s template", at, field)
	}
	t, err := template.New(string(at) + "." + field).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("action type %q: invalid %s template: %w", at, field, err)
	}
	return t, nil
}

// Tools returns every tool name the catalog gates, sorted.
func (c *Catalog) Tools() []string {
	out := make([]string, 0, len(c.byTool))
	for t := range c.byTool {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Gated reports whether calls to toolName require human approval.
func (c *Catalog) Gated(toolName string) bool {
	_, ok := c.byTool[toolName]
	return ok
}

// describedAction is the catalog-derived presentation of a tool call.
type describedAction struct {
	ActionType   domain.ActionType
	Title        string
	Description  string
	Impact       string
	RequiredRole string
	EntityType   string
	EntityID     string
}

func (c *Catalog) describe(toolName string, params map[string]interface{}) (*describedAction, error) {
	e, ok := c.byTool[toolName]
	if !ok {
		return nil, fmt.Errorf("tool %q is not a gated action", toolName)
	}

	data := TemplateData{
		Tool:       toolName,
		EntityType: e.EntityType(toolName, params),
		EntityID:   e.EntityID(toolName, params),
		Params:     params,
	}
	render := func(t *template.Template) (string, error) {
		var buf bytes.Buffer
		if err := t.Execute(&buf, data); err != nil {
			return "", fmt.Errorf("render %s: %w", t.Name(), err)
		}
		return buf.String(), nil
	}

	d := &describedAction{
		ActionType:   e.ActionType,
		RequiredRole: e.RequiredRole,
		EntityType:   data.EntityType,
		EntityID:     data.EntityID,
	}
	var err error
	if d.Title, err = render(e.title); err != nil {
		return nil, err
	}
	if d.Description, err = render(e.description); err != nil {
		return nil, err
	}
	if d.Impact, err = render(e.impact); err != nil {
		return nil, err
	}
	return d, nil
}

// DefaultCatalogEntries returns the built-in action definitions.
func DefaultCatalogEntries() []CatalogEntry {
	return []CatalogEntry{
		{
			ActionType:          domain.ActionUpdateRule,
			ToolNames:           []string{"update_rule", "update_validation_rule"},
			TitleTemplate:       "Update validation rule {{.EntityID}}",
			DescriptionTemplate: "The assistant proposes changing validation rule {{.EntityID}}.",
			ImpactTemplate:      "Data quality checks using rule {{.EntityID}} will evaluate differently from the next run.",
			RequiredRole:        "Compliance Officer",
			EntityType:          ConstExtractor("rule"),
			EntityID:            ParamExtractor("rule_id", "id"),
		},
		{
			ActionType:          domain.ActionDeleteRule,
			ToolNames:           []string{"delete_rule", "delete_validation_rule"},
			TitleTemplate:       "Delete validation rule {{.EntityID}}",
			DescriptionTemplate: "The assistant proposes deleting validation rule {{.EntityID}}.",
			ImpactTemplate:      "Data covered by rule {{.EntityID}} will no longer be checked.",
			RequiredRole:        "Compliance Officer",
			EntityType:          ConstExtractor("rule"),
			EntityID:            ParamExtractor("rule_id", "id"),
		},
		{
			ActionType:          domain.ActionApproveCatalog,
			ToolNames:           []string{"approve_catalog", "approve_data_catalog"},
			TitleTemplate:       "Approve data catalog {{.EntityID}}",
			DescriptionTemplate: "The assistant requests approval of data catalog {{.EntityID}}.",
			ImpactTemplate:      "Catalog {{.EntityID}} becomes the authoritative source for report data elements.",
			RequiredRole:        "Data Steward",
			EntityType:          ConstExtractor("catalog"),
			EntityID:            ParamExtractor("catalog_id", "id"),
		},
		{
			ActionType:          domain.ActionSubmitReport,
			ToolNames:           []string{"submit_report", "submit_regulatory_report"},
			TitleTemplate:       "Submit report {{.EntityID}} to the regulator",
			DescriptionTemplate: "The assistant requests submission of report {{.EntityID}}.",
			ImpactTemplate:      "Report {{.EntityID}} will be filed externally; corrections afterwards require a resubmission.",
			RequiredRole:        "CFO",
			EntityType:          ConstExtractor("report"),
			EntityID:            ParamExtractor("report_id", "id"),
		},
		{
			ActionType:          domain.ActionCompleteCycle,
			ToolNames:           []string{"complete_cycle"},
			TitleTemplate:       "Complete cycle {{.EntityID}}",
			DescriptionTemplate: "The assistant requests closing reporting cycle {{.EntityID}}.",
			ImpactTemplate:      "Cycle {{.EntityID}} will be locked; no further steps can run.",
			RequiredRole:        "Compliance Officer",
			EntityType:          ConstExtractor("cycle"),
			EntityID:            ParamExtractor("cycle_id", "id"),
		},
		{
			ActionType:          domain.ActionModifyLineage,
			ToolNames:           []string{"modify_lineage", "update_lineage"},
			TitleTemplate:       "Modify lineage of {{.EntityID}}",
			DescriptionTemplate: "The assistant proposes changing data lineage for {{.EntityID}}.",
			ImpactTemplate:      "Impact analysis and traceability for {{.EntityID}} will change.",
			RequiredRole:        "Data Steward",
			EntityType:          ConstExtractor("lineage_node"),
			EntityID:            ParamExtractor("node_id", "lineage_id", "id"),
		},
		{
			ActionType:          domain.ActionResolveIssue,
			ToolNames:           []string{"resolve_issue", "close_issue"},
			TitleTemplate:       "Resolve issue {{.EntityID}}",
			DescriptionTemplate: "The assistant proposes resolving compliance issue {{.EntityID}}.",
			ImpactTemplate:      "Issue {{.EntityID}} will stop blocking cycle completion.",
			RequiredRole:        "Compliance Officer",
			EntityType:          ConstExtractor("issue"),
			EntityID:            ParamExtractor("issue_id", "id"),
		},
		{
			ActionType:          domain.ActionOverrideThreshold,
			ToolNames:           []string{"override_threshold"},
			TitleTemplate:       "Override threshold {{.EntityID}}",
			DescriptionTemplate: "The assistant proposes overriding threshold {{.EntityID}}{{with .Params.value}} to {{.}}{{end}}.",
			ImpactTemplate:      "Breaches of threshold {{.EntityID}} will be evaluated against the overridden value.",
			RequiredRole:        "CRO",
			EntityType:          ConstExtractor("threshold"),
			EntityID:            ParamExtractor("threshold_id", "id"),
		},
	}
}

// DefaultCatalog returns the validated built-in catalog.
func DefaultCatalog() (*Catalog, error) {
	return NewCatalog(DefaultCatalogEntries())
}
