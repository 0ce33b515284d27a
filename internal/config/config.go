package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models caseflow.yml.
type Config struct {
	Workflow      Workflow            `yaml:"workflow"`
	Roles         map[string]Role     `yaml:"roles"`
	Adjacency     map[string][]string `yaml:"adjacency"`
	Notifications Notifications       `yaml:"notifications"`
}

// Workflow declares the status enumeration, the stage sequence and every
// allowed edge between statuses.
type Workflow struct {
	Statuses        []string          `yaml:"statuses"`
	Initial         []string          `yaml:"initial"`
	Terminal        []string          `yaml:"terminal"`
	Stages          []string          `yaml:"stages"`
	StatusStages    map[string]string `yaml:"status_stages"`
	DecisionActions []string          `yaml:"decision_actions"`
	DecisionStamps  map[string]string `yaml:"decision_stamps"`
	Transitions     []Transition      `yaml:"transitions"`
	RequestInfo     RequestInfo       `yaml:"request_info"`
}

// DecisionStampKinds are the who/when column pairs a status can stamp on a case.
var DecisionStampKinds = []string{"reviewed", "approved", "legal_reviewed", "closed"}

type Transition struct {
	From         []string `yaml:"from"`
	Action       string   `yaml:"action"`
	To           string   `yaml:"to"`
	Stage        string   `yaml:"stage"`
	MinDocuments int      `yaml:"min_documents"`
}

// RequestInfo configures the only loop action: it leaves status unchanged and
// opens an interaction request instead.
type RequestInfo struct {
	Action string   `yaml:"action"`
	From   []string `yaml:"from"`
}

type Role struct {
	Description string   `yaml:"description"`
	Superuser   bool     `yaml:"superuser"`
	Actions     []string `yaml:"actions"`
	Stages      []string `yaml:"stages"`
}

type Notifications struct {
	Routes        map[string][]string `yaml:"routes"`
	RatePerSecond float64             `yaml:"rate_per_second"`
	Burst         int                 `yaml:"burst"`
	Webhooks      []WebhookConfig     `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with caseflow config show > %s", path, path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or the built-in default if the
// workspace has none.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// Validate ensures every table only references declared statuses, stages,
// actions and roles.
func (c *Config) Validate() error {
	w := c.Workflow
	if len(w.Statuses) == 0 {
		return fmt.Errorf("config.workflow.statuses is required")
	}
	if len(w.Stages) == 0 {
		return fmt.Errorf("config.workflow.stages is required")
	}
	statuses := toSet(w.Statuses)
	stages := toSet(w.Stages)
	if len(statuses) != len(w.Statuses) {
		return fmt.Errorf("config.workflow.statuses contains duplicates")
	}
	if len(stages) != len(w.Stages) {
		return fmt.Errorf("config.workflow.stages contains duplicates")
	}
	if len(w.Initial) == 0 {
		return fmt.Errorf("config.workflow.initial is required")
	}
	for _, s := range append(append([]string{}, w.Initial...), w.Terminal...) {
		if _, ok := statuses[s]; !ok {
			return fmt.Errorf("initial/terminal status %q is not declared", s)
		}
	}
	for _, s := range w.Statuses {
		stage, ok := w.StatusStages[s]
		if !ok {
			return fmt.Errorf("status %q has no stage in config.workflow.status_stages", s)
		}
		if _, ok := stages[stage]; !ok {
			return fmt.Errorf("status %q maps to unknown stage %q", s, stage)
		}
	}
	stampKinds := toSet(DecisionStampKinds)
	for status, kind := range w.DecisionStamps {
		if _, ok := statuses[status]; !ok {
			return fmt.Errorf("decision stamp for unknown status %q", status)
		}
		if _, ok := stampKinds[kind]; !ok {
			return fmt.Errorf("status %q has unknown decision stamp %q", status, kind)
		}
	}
	terminal := toSet(w.Terminal)
	actions := map[string]struct{}{}
	edges := map[string]struct{}{}
	for i, t := range w.Transitions {
		if t.Action == "" {
			return fmt.Errorf("transition %d has empty action", i)
		}
		if _, ok := statuses[t.To]; !ok {
			return fmt.Errorf("transition %s targets unknown status %q", t.Action, t.To)
		}
		if _, ok := stages[t.Stage]; !ok {
			return fmt.Errorf("transition %s records unknown stage %q", t.Action, t.Stage)
		}
		if len(t.From) == 0 {
			return fmt.Errorf("transition %s has no source status", t.Action)
		}
		if t.MinDocuments < 0 {
			return fmt.Errorf("transition %s has negative min_documents", t.Action)
		}
		for _, from := range t.From {
			if _, ok := statuses[from]; !ok {
				return fmt.Errorf("transition %s leaves unknown status %q", t.Action, from)
			}
			if _, ok := terminal[from]; ok {
				return fmt.Errorf("transition %s leaves terminal status %q", t.Action, from)
			}
			key := from + "\x00" + t.Action
			if _, dup := edges[key]; dup {
				return fmt.Errorf("duplicate transition %s from %q", t.Action, from)
			}
			edges[key] = struct{}{}
		}
		actions[t.Action] = struct{}{}
	}
	if ri := w.RequestInfo; ri.Action != "" {
		if _, clash := actions[ri.Action]; clash {
			return fmt.Errorf("request_info action %q collides with a transition", ri.Action)
		}
		for _, from := range ri.From {
			if _, ok := statuses[from]; !ok {
				return fmt.Errorf("request_info allowed from unknown status %q", from)
			}
			if _, ok := terminal[from]; ok {
				return fmt.Errorf("request_info allowed from terminal status %q", from)
			}
		}
		actions[ri.Action] = struct{}{}
	}
	for _, a := range w.DecisionActions {
		if _, ok := actions[a]; !ok {
			return fmt.Errorf("decision action %q is not a transition", a)
		}
	}
	if len(c.Roles) == 0 {
		return fmt.Errorf("config.roles is required")
	}
	for name, role := range c.Roles {
		if name == "" {
			return fmt.Errorf("config.roles contains empty role name")
		}
		for _, a := range role.Actions {
			if _, ok := actions[a]; !ok {
				return fmt.Errorf("role %s allows unknown action %q", name, a)
			}
		}
		for _, s := range role.Stages {
			if _, ok := stages[s]; !ok {
				return fmt.Errorf("role %s owns unknown stage %q", name, s)
			}
		}
	}
	for from, targets := range c.Adjacency {
		if _, ok := stages[from]; !ok {
			return fmt.Errorf("adjacency references unknown stage %q", from)
		}
		for _, to := range targets {
			if _, ok := stages[to]; !ok {
				return fmt.Errorf("adjacency of %s references unknown stage %q", from, to)
			}
		}
	}
	for action, roles := range c.Notifications.Routes {
		if _, ok := actions[action]; !ok {
			return fmt.Errorf("notification route for unknown action %q", action)
		}
		for _, r := range roles {
			if _, ok := c.Roles[r]; !ok {
				return fmt.Errorf("notification route %s references unknown role %q", action, r)
			}
		}
	}
	for i, hook := range c.Notifications.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caseflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in workflow definition.
// It panics if the embedded template does not decode.
func Default() *Config {
	cfg, err := decodeTemplate(defaultTemplate)
	if err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return cfg
}

func decodeTemplate(tmpl string) (*Config, error) {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(tmpl)).Decode(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.Workflow.Statuses) == 0 {
		return nil, fmt.Errorf("template declares no statuses")
	}
	return &cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workflow:
  statuses:
    - Draft
    - Registered
    - Submitted
    - Allocated
    - Agency Investigation
    - Regional Investigation
    - Under Investigation
    - Under Review
    - Approved
    - Approver 2
    - Final Review
    - Legal Review
    - Rejected
    - Closed
  initial: [Draft, Registered]
  terminal: [Closed, Rejected]

  stages:
    - Case Registration
    - Case Allocation
    - Agency Investigation
    - Regional Investigation
    - Primary Review
    - Approver 1
    - Approver 2
    - Final Review
    - Legal Review
    - Closure

  status_stages:
    Draft: Case Registration
    Registered: Case Registration
    Submitted: Case Allocation
    Allocated: Case Allocation
    Agency Investigation: Agency Investigation
    Regional Investigation: Regional Investigation
    Under Investigation: Case Allocation
    Under Review: Primary Review
    Approved: Approver 1
    Approver 2: Approver 2
    Final Review: Final Review
    Legal Review: Legal Review
    Rejected: Closure
    Closed: Closure

  decision_actions: [Approve, Approve L2, Reject, Finalize, Refer to Legal, Close]

  decision_stamps:
    Under Review: reviewed
    Approved: approved
    Legal Review: legal_reviewed
    Closed: closed

  transitions:
    - {from: [Draft], action: Submit, to: Submitted, stage: Case Registration}
    - {from: [Draft, Registered, Submitted], action: Allocate, to: Allocated, stage: Case Allocation}
    - {from: [Allocated], action: Start Agency Investigation, to: Agency Investigation, stage: Case Allocation}
    - {from: [Allocated], action: Start Regional Investigation, to: Regional Investigation, stage: Case Allocation}
    - {from: [Allocated], action: Start Investigation, to: Under Investigation, stage: Case Allocation}
    - {from: [Agency Investigation], action: Submit for Review, to: Under Review, stage: Agency Investigation}
    - {from: [Regional Investigation], action: Submit for Review, to: Under Review, stage: Regional Investigation}
    - {from: [Under Investigation], action: Submit for Review, to: Under Review, stage: Case Allocation}
    - {from: [Under Review], action: Approve, to: Approved, stage: Primary Review}
    - {from: [Under Review], action: Reject, to: Rejected, stage: Primary Review}
    - {from: [Approved], action: Approve L2, to: Approver 2, stage: Approver 1}
    - {from: [Approved], action: Reject, to: Rejected, stage: Approver 1}
    - {from: [Approver 2], action: Finalize, to: Final Review, stage: Approver 2}
    - {from: [Approver 2], action: Reject, to: Rejected, stage: Approver 2}
    - {from: [Final Review], action: Refer to Legal, to: Legal Review, stage: Final Review}
    - {from: [Final Review], action: Close, to: Closed, stage: Final Review}
    - {from: [Legal Review], action: Close, to: Closed, stage: Legal Review}

  request_info:
    action: Request Info
    from:
      - Submitted
      - Allocated
      - Agency Investigation
      - Regional Investigation
      - Under Investigation
      - Under Review
      - Approved
      - Approver 2
      - Final Review
      - Legal Review

roles:
  Admin:
    description: "Full access to every transition"
    superuser: true
  Initiator:
    description: "Registers and submits new cases"
    actions: [Submit, Allocate]
    stages: [Case Registration]
  Investigator:
    description: "Allocates and investigates cases"
    actions: [Allocate, Start Agency Investigation, Start Regional Investigation, Start Investigation, Submit for Review, Request Info]
    stages: [Case Registration, Case Allocation, Agency Investigation, Regional Investigation]
  Reviewer:
    description: "Primary review of investigation outcomes"
    actions: [Approve, Reject, Request Info]
    stages: [Primary Review]
  Approver:
    description: "Two-level approval and final sign-off"
    actions: [Approve L2, Finalize, Reject, Request Info]
    stages: [Approver 1, Approver 2]
  Legal Reviewer:
    description: "Legal opinion on escalated cases"
    actions: [Refer to Legal, Request Info]
    stages: [Final Review, Legal Review]
  Actioner:
    description: "Closes cases after final or legal review"
    actions: [Close, Request Info]
    stages: [Final Review, Closure]

adjacency:
  Case Allocation: [Case Registration]
  Agency Investigation: [Case Allocation]
  Regional Investigation: [Case Allocation]
  Primary Review: [Case Allocation, Agency Investigation, Regional Investigation]
  Approver 1: [Primary Review, Regional Investigation, Agency Investigation]
  Approver 2: [Approver 1, Primary Review]
  Final Review: [Approver 2, Approver 1]
  Legal Review: [Final Review, Primary Review]
  Closure: [Legal Review, Final Review]

notifications:
  rate_per_second: 5
  burst: 10
  routes:
    Allocate: [Investigator]
    Submit for Review: [Reviewer]
    Approve: [Approver]
    Approve L2: [Approver]
    Finalize: [Legal Reviewer, Actioner]
    Refer to Legal: [Legal Reviewer]
    Close: [Initiator]
    Reject: [Initiator]
    Request Info: [Investigator, Reviewer, Approver, Legal Reviewer, Actioner]
`
