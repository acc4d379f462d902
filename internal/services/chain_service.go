package services

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"erp-approval-service/internal/conditions"
	"erp-approval-service/internal/models"
	"erp-approval-service/internal/repository"
	"erp-approval-service/internal/workflow"
)

const defaultSLAHours = 24

// ChainService is the chain registry. Chains are immutable; defining a chain
// for an entity type that already has one creates a new version and
// deactivates the old one.
type ChainService struct {
	repo   repository.ApprovalRepositoryInterface
	logger *logrus.Entry
}

// NewChainService creates a ChainService.
func NewChainService(repo repository.ApprovalRepositoryInterface, logger *logrus.Entry) *ChainService {
	return &ChainService{repo: repo, logger: logger}
}

// LevelInput describes one level of a chain definition.
type LevelInput struct {
	Sequence        int             `json:"sequence"`
	Name            string          `json:"name,omitempty"`
	ApproverType    string          `json:"approverType"`
	ApproverIDs     []string        `json:"approverIds"`
	RequiredCount   int             `json:"requiredCount"`
	SLAHours        int             `json:"slaHours"`
	Condition       json.RawMessage `json:"condition,omitempty" swaggertype:"object"`
	EscalationRules json.RawMessage `json:"escalationRules,omitempty" swaggertype:"array,object"`
}

// DefineChainInput is the input for DefineChain.
type DefineChainInput struct {
	Name       string       `json:"name"`
	EntityType string       `json:"entityType"`
	Levels     []LevelInput `json:"levels"`
}

// DefineChain validates and stores a new chain version for an entity type.
func (s *ChainService) DefineChain(ctx context.Context, tenantID, createdBy string, input DefineChainInput) (*models.ApprovalChain, error) {
	chain, err := buildChain(tenantID, createdBy, input)
	if err != nil {
		return nil, err
	}

	err = s.repo.WithTransaction(ctx, func(txRepo repository.ApprovalRepositoryInterface) error {
		latest, err := txRepo.LatestChainVersion(ctx, tenantID, chain.EntityType)
		if err != nil {
			return err
		}
		chain.Version = latest + 1
		if _, err := txRepo.DeactivateChains(ctx, tenantID, chain.EntityType); err != nil {
			return err
		}
		return txRepo.CreateChain(ctx, chain)
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id":   tenantID,
		"chain_id":    chain.ID,
		"entity_type": chain.EntityType,
		"version":     chain.Version,
		"levels":      len(chain.Levels),
	}).Info("Approval chain defined")
	return chain, nil
}

func buildChain(tenantID, createdBy string, input DefineChainInput) (*models.ApprovalChain, error) {
	entityType := strings.TrimSpace(input.EntityType)
	if entityType == "" {
		return nil, workflow.Configuration(workflow.ErrInvalidChain, "entity type is required")
	}
	if len(input.Levels) == 0 {
		return nil, workflow.Configuration(workflow.ErrInvalidChain, "a chain needs at least one level")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = entityType
	}

	chain := &models.ApprovalChain{
		ID:         uuid.New(),
		TenantID:   tenantID,
		Name:       name,
		EntityType: entityType,
		IsActive:   true,
		CreatedBy:  createdBy,
	}

	inputs := make([]LevelInput, len(input.Levels))
	copy(inputs, input.Levels)
	sort.SliceStable(inputs, func(i, j int) bool { return inputs[i].Sequence < inputs[j].Sequence })

	last := 0
	for _, in := range inputs {
		level, err := buildLevel(chain.ID, in)
		if err != nil {
			return nil, err
		}
		if level.Sequence <= last {
			return nil, workflow.Configuration(workflow.ErrInvalidChain, "level sequence %d is used twice", level.Sequence)
		}
		last = level.Sequence
		chain.Levels = append(chain.Levels, *level)
	}
	return chain, nil
}

func buildLevel(chainID uuid.UUID, in LevelInput) (*models.ApprovalLevel, error) {
	if in.Sequence < 1 {
		return nil, workflow.Configuration(workflow.ErrInvalidChain, "level sequence must be 1 or greater, got %d", in.Sequence)
	}
	if !models.ValidApproverType(in.ApproverType) {
		return nil, workflow.Configuration(workflow.ErrInvalidChain, "level %d: approver type must be role, user or position", in.Sequence)
	}

	seen := map[string]bool{}
	var ids []string
	for _, id := range in.ApproverIDs {
		id = strings.TrimSpace(id)
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, workflow.Configuration(workflow.ErrInvalidChain, "level %d: at least one approver is required", in.Sequence)
	}

	required := in.RequiredCount
	if required == 0 {
		required = 1
	}
	if required < 1 {
		return nil, workflow.Configuration(workflow.ErrInvalidChain, "level %d: required count must be at least 1", in.Sequence)
	}
	// Role and position levels are checked against the directory when the level opens.
	if in.ApproverType == models.ApproverTypeUser && required > len(ids) {
		return nil, workflow.Configuration(workflow.ErrInvalidChain, "level %d: required count %d exceeds %d approvers", in.Sequence, required, len(ids))
	}

	sla := in.SLAHours
	if sla == 0 {
		sla = defaultSLAHours
	}
	if sla < 0 {
		return nil, workflow.Configuration(workflow.ErrInvalidChain, "level %d: SLA hours must be positive", in.Sequence)
	}

	var condition datatypes.JSON
	if expr, err := conditions.Parse(in.Condition); err != nil {
		return nil, workflow.Configuration(workflow.ErrInvalidChain, "level %d: invalid condition: %v", in.Sequence, err)
	} else if expr != nil {
		raw, err := json.Marshal(expr)
		if err != nil {
			return nil, workflow.Configuration(workflow.ErrInvalidChain, "level %d: invalid condition: %v", in.Sequence, err)
		}
		condition = datatypes.JSON(raw)
	}

	rules, err := workflow.ParseEscalationRules(in.EscalationRules)
	if err != nil {
		return nil, workflow.Configuration(workflow.ErrInvalidRule, "level %d: %s", in.Sequence, err.Error())
	}
	encodedRules, err := workflow.EncodeEscalationRules(rules)
	if err != nil {
		return nil, err
	}

	return &models.ApprovalLevel{
		ID:              uuid.New(),
		ChainID:         chainID,
		Sequence:        in.Sequence,
		Name:            strings.TrimSpace(in.Name),
		ApproverType:    in.ApproverType,
		ApproverIDs:     pq.StringArray(ids),
		RequiredCount:   required,
		SLAHours:        sla,
		Condition:       condition,
		EscalationRules: datatypes.JSON(encodedRules),
	}, nil
}

// DeactivateChain stops a chain from being selected for new requests.
// In-flight requests keep using it.
func (s *ChainService) DeactivateChain(ctx context.Context, tenantID string, chainID uuid.UUID) error {
	if err := s.repo.DeactivateChain(ctx, tenantID, chainID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return workflow.NotFound(workflow.ErrChainNotFound, "approval chain %s not found", chainID)
		}
		return err
	}
	s.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "chain_id": chainID}).Info("Approval chain deactivated")
	return nil
}

// GetChain returns a chain with its levels.
func (s *ChainService) GetChain(ctx context.Context, tenantID string, chainID uuid.UUID) (*models.ApprovalChain, error) {
	chain, err := s.repo.GetChainByID(ctx, tenantID, chainID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, workflow.NotFound(workflow.ErrChainNotFound, "approval chain %s not found", chainID)
		}
		return nil, err
	}
	return chain, nil
}

// ListChains lists chains, optionally for one entity type and active only.
func (s *ChainService) ListChains(ctx context.Context, tenantID, entityType string, activeOnly bool) ([]models.ApprovalChain, error) {
	return s.repo.ListChains(ctx, tenantID, entityType, activeOnly)
}

// ActiveChainFor selects the chain new requests for an entity type use.
func (s *ChainService) ActiveChainFor(ctx context.Context, tenantID, entityType string) (*models.ApprovalChain, error) {
	chain, err := s.repo.GetActiveChain(ctx, tenantID, entityType)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, workflow.NotFound(workflow.ErrNoActiveChain, "no active approval chain for %q", entityType)
		}
		return nil, err
	}
	return chain, nil
}

// SetApproverMembers replaces the users holding a role or position.
func (s *ChainService) SetApproverMembers(ctx context.Context, tenantID, approverType, approverKey string, userIDs []string) error {
	if approverType != models.ApproverTypeRole && approverType != models.ApproverTypePosition {
		return workflow.Configuration(workflow.ErrInvalidChain, "memberships exist only for roles and positions")
	}
	approverKey = strings.TrimSpace(approverKey)
	if approverKey == "" {
		return workflow.Configuration(workflow.ErrInvalidChain, "approver key is required")
	}
	var users []string
	for _, id := range userIDs {
		if id = strings.TrimSpace(id); id != "" {
			users = append(users, id)
		}
	}
	return s.repo.ReplaceMemberships(ctx, tenantID, approverType, approverKey, users)
}
