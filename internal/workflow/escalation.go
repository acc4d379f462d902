package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"erp-approval-service/internal/models"
)

// RuleKind is the closed set of escalation responses.
type RuleKind string

const (
	RuleReassign     RuleKind = "reassign"
	RuleAugment      RuleKind = "augment"
	RuleNotify       RuleKind = "notify"
	RuleBumpPriority RuleKind = "bump_priority"
)

// EscalationRule is one response to an SLA breach.
//   - reassign: To replaces the open level's outstanding approvers
//   - augment: To is added alongside the outstanding approvers
//   - notify: an escalation notice is sent on Channel
//   - bump_priority: the request priority goes up one step
type EscalationRule struct {
	Kind         RuleKind `json:"kind"`
	To           []string `json:"to,omitempty"`
	ApproverType string   `json:"approverType,omitempty"`
	Channel      string   `json:"channel,omitempty"`
}

// Reassign builds a reassign rule targeting users.
func Reassign(to ...string) EscalationRule {
	return EscalationRule{Kind: RuleReassign, To: to, ApproverType: models.ApproverTypeUser}
}

// Augment builds an augment rule targeting users.
func Augment(to ...string) EscalationRule {
	return EscalationRule{Kind: RuleAugment, To: to, ApproverType: models.ApproverTypeUser}
}

// Notify builds a notify rule.
func Notify(channel string) EscalationRule {
	return EscalationRule{Kind: RuleNotify, Channel: channel}
}

// BumpPriority builds a priority bump rule.
func BumpPriority() EscalationRule {
	return EscalationRule{Kind: RuleBumpPriority}
}

// Validate checks a single rule.
func (r *EscalationRule) Validate() error {
	switch r.Kind {
	case RuleReassign, RuleAugment:
		if r.ApproverType == "" {
			r.ApproverType = models.ApproverTypeUser
		}
		if !models.ValidApproverType(r.ApproverType) {
			return Configuration(ErrInvalidRule, "%s rule has unknown approver type %q", r.Kind, r.ApproverType)
		}
		targets := r.To[:0]
		for _, id := range r.To {
			if id = strings.TrimSpace(id); id != "" {
				targets = append(targets, id)
			}
		}
		r.To = targets
		if len(r.To) == 0 {
			return Configuration(ErrInvalidRule, "%s rule has no target", r.Kind)
		}
	case RuleNotify:
		if strings.TrimSpace(r.Channel) == "" {
			return Configuration(ErrInvalidRule, "notify rule has no channel")
		}
	case RuleBumpPriority:
	default:
		return Configuration(ErrInvalidRule, "unknown escalation rule %q", r.Kind)
	}
	return nil
}

// ParseEscalationRules decodes a level's stored rules. A single object is
// accepted as a one-element list. Empty input yields no rules.
func ParseEscalationRules(raw []byte) ([]EscalationRule, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}

	var rules []EscalationRule
	if trimmed[0] == '{' {
		var rule EscalationRule
		if err := json.Unmarshal(trimmed, &rule); err != nil {
			return nil, Configuration(ErrInvalidRule, "escalation rules are not valid JSON: %v", err)
		}
		rules = []EscalationRule{rule}
	} else if err := json.Unmarshal(trimmed, &rules); err != nil {
		return nil, Configuration(ErrInvalidRule, "escalation rules are not valid JSON: %v", err)
	}

	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

// EncodeEscalationRules stores rules in their canonical list form.
func EncodeEscalationRules(rules []EscalationRule) ([]byte, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return nil, err
		}
	}
	raw, err := json.Marshal(rules)
	if err != nil {
		return nil, fmt.Errorf("encode escalation rules: %w", err)
	}
	return raw, nil
}

// EscalationNotice summarises what one escalation did, for events and callers.
type EscalationNotice struct {
	LevelSequence    int        `json:"levelSequence"`
	Rules            []RuleKind `json:"rules"`
	Targets          []string   `json:"targets,omitempty"`
	Channels         []string   `json:"channels,omitempty"`
	PreviousPriority string     `json:"previousPriority"`
	Priority         string     `json:"priority"`
	Warnings         []string   `json:"warnings,omitempty"`
}
