package seeders

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"erp-approval-service/internal/models"
	"erp-approval-service/internal/services"
	"erp-approval-service/internal/workflow"
)

// ChainDefiner is the part of the chain registry the seeder needs.
type ChainDefiner interface {
	ActiveChainFor(ctx context.Context, tenantID, entityType string) (*models.ApprovalChain, error)
	DefineChain(ctx context.Context, tenantID, createdBy string, input services.DefineChainInput) (*models.ApprovalChain, error)
}

const seedActor = "system"

func rules(r ...workflow.EscalationRule) json.RawMessage {
	raw, _ := json.Marshal(r)
	return raw
}

func roleLevel(seq int, name, role string, slaHours int, condition string, escalation json.RawMessage) services.LevelInput {
	level := services.LevelInput{
		Sequence:        seq,
		Name:            name,
		ApproverType:    models.ApproverTypeRole,
		ApproverIDs:     []string{role},
		RequiredCount:   1,
		SLAHours:        slaHours,
		EscalationRules: escalation,
	}
	if condition != "" {
		level.Condition = json.RawMessage(condition)
	}
	return level
}

// DefaultChains are the ERP chains a new tenant starts with. Approvers are
// roles; their members come from the approver directory.
func DefaultChains() []services.DefineChainInput {
	return []services.DefineChainInput{
		{
			Name:       "Purchase order approval",
			EntityType: "purchase_order",
			Levels: []services.LevelInput{
				roleLevel(1, "Department manager", "manager", 24, "",
					rules(workflow.Notify("email"), workflow.BumpPriority())),
				roleLevel(2, "Finance", "finance-manager", 48,
					`{"kind":"compare","field":"amount","op":"gt","value":50000}`,
					rules(workflow.EscalationRule{Kind: workflow.RuleAugment, ApproverType: models.ApproverTypeRole, To: []string{"cfo"}})),
				roleLevel(3, "Director", "director", 72,
					`{"kind":"compare","field":"amount","op":"gt","value":250000}`,
					rules(workflow.Notify("email"))),
			},
		},
		{
			Name:       "Quotation approval",
			EntityType: "quotation",
			Levels: []services.LevelInput{
				roleLevel(1, "Sales manager", "sales-manager", 24,
					`{"kind":"or","args":[{"kind":"compare","field":"discount_percent","op":"gt","value":10},{"kind":"compare","field":"total","op":"gt","value":100000}]}`,
					rules(workflow.Notify("email"), workflow.BumpPriority())),
			},
		},
		{
			Name:       "Bill of materials release",
			EntityType: "bom",
			Levels: []services.LevelInput{
				roleLevel(1, "Engineering", "engineering-lead", 48, "", rules(workflow.Notify("email"))),
				roleLevel(2, "Production", "production-manager", 48, "", rules(workflow.BumpPriority())),
			},
		},
		{
			Name:       "Expense claim approval",
			EntityType: "expense",
			Levels: []services.LevelInput{
				roleLevel(1, "Line manager", "manager", 48, "",
					rules(workflow.EscalationRule{Kind: workflow.RuleReassign, ApproverType: models.ApproverTypeRole, To: []string{"finance-manager"}})),
				roleLevel(2, "Finance", "finance-manager", 48,
					`{"kind":"compare","field":"amount","op":"gte","value":1000}`,
					rules(workflow.Notify("email"))),
			},
		},
	}
}

// SeedDefaultChains defines the default chains for every tenant that has no
// active chain for the entity type yet. Existing chains are left alone.
func SeedDefaultChains(ctx context.Context, chains ChainDefiner, tenantIDs []string, logger *logrus.Entry) (int, error) {
	seeded := 0
	for _, tenantID := range tenantIDs {
		for _, input := range DefaultChains() {
			_, err := chains.ActiveChainFor(ctx, tenantID, input.EntityType)
			if err == nil {
				continue
			}
			if !workflow.IsKind(err, workflow.KindNotFound) {
				return seeded, err
			}

			chain, err := chains.DefineChain(ctx, tenantID, seedActor, input)
			if err != nil {
				logger.WithError(err).WithFields(logrus.Fields{
					"tenant_id":   tenantID,
					"entity_type": input.EntityType,
				}).Error("Failed to seed approval chain")
				return seeded, err
			}
			seeded++
			logger.WithFields(logrus.Fields{
				"tenant_id":   tenantID,
				"entity_type": input.EntityType,
				"chain_id":    chain.ID,
			}).Info("Seeded approval chain")
		}
	}
	return seeded, nil
}
