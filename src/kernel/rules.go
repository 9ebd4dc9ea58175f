package kernel

import (
	"fmt"
	"sort"
)

// RuleVerdict is a rule module's judgement on a candidate action.
type RuleVerdict string

const (
	VerdictAllow  RuleVerdict = "Allow"
	VerdictDeny   RuleVerdict = "Deny"
	VerdictModify RuleVerdict = "Modify"
)

// ResourceDelta maps resource kind to a cost debited from the actor.
type ResourceDelta map[string]int64

// RuleDecision is what a rule module returns for one candidate action.
type RuleDecision struct {
	Verdict        RuleVerdict   `json:"verdict"`
	OverrideAction *Action       `json:"override_action,omitempty"`
	Cost           ResourceDelta `json:"cost,omitempty"`
	Notes          []string      `json:"notes,omitempty"`
}

// Observation is the read-only world view handed to a rule module.
type Observation struct {
	WorldID string `json:"world_id"`
	Tick    uint64 `json:"tick"`
	Actor   string `json:"actor"`
}

// ModuleSandbox executes a rule-tagged module against a candidate action.
// Production backs this with a Wasm executor; tests swap in MapSandbox.
type ModuleSandbox interface {
	Invoke(moduleID, wasmHash string, obs Observation, candidate Action) (RuleDecision, error)
}

// actor returns the owner whose balances pay rule costs.
func actor(a Action) string {
	switch a.Kind {
	case KindRegisterAgent:
		return a.RegisterAgent.AgentID
	case KindMoveAgent:
		return a.MoveAgent.AgentID
	case KindTransferResource:
		return a.TransferResource.From
	case KindHarvest:
		return a.Harvest.AgentID
	case KindPublishSocialFact:
		return a.PublishSocialFact.AuthorAgent
	case KindDeployModuleArtifact:
		return a.DeployModuleArtifact.Publisher
	case KindListModuleArtifact:
		return a.ListModuleArtifact.Seller
	case KindBuyModuleArtifact:
		return a.BuyModuleArtifact.Buyer
	case KindProposeManifest:
		return a.ProposeManifest.Proposer
	case KindVoteManifest:
		return a.VoteManifest.Voter
	default:
		return ""
	}
}

// runRulePipeline invokes every installed module subscribed to the action's
// kind, in lexicographic module-id order, and combines the decisions:
// Deny beats Modify; two Modifys with different overrides are a conflict;
// costs sum and debit the actor before the (possibly overridden) action
// reduces. The returned action is what the reducer must apply.
func (k *Kernel) runRulePipeline(env ActionEnvelope) (*Action, *RejectReason) {
	topic := "action." + string(env.Action.Kind)

	var subscribed []string
	for _, moduleID := range sortedKeys(k.state.Modules) {
		for _, sub := range k.state.Modules[moduleID].Subscriptions {
			if sub == topic {
				subscribed = append(subscribed, moduleID)
				break
			}
		}
	}
	if len(subscribed) == 0 || k.sandbox == nil {
		action := env.Action
		return &action, nil
	}

	obs := Observation{
		WorldID: k.state.WorldID,
		Tick:    k.state.Tick,
		Actor:   actor(env.Action),
	}

	var override *Action
	totalCost := ResourceDelta{}
	denied := false
	var denyNote string

	for _, moduleID := range subscribed {
		mod := k.state.Modules[moduleID]
		decision, err := k.sandbox.Invoke(moduleID, mod.WasmHash, obs, env.Action)
		if err != nil {
			// Sandbox failure counts as a deny from that module.
			decision = RuleDecision{Verdict: VerdictDeny, Notes: []string{err.Error()}}
		}

		note := moduleID + ": " + string(decision.Verdict)
		if len(decision.Notes) > 0 {
			note += " (" + decision.Notes[0] + ")"
		}
		k.appendEvent(WorldEvent{
			Kind:     EvRuleDecided,
			ActionID: env.ID,
			Subject:  moduleID,
			Note:     note,
		})

		switch decision.Verdict {
		case VerdictDeny:
			if !denied {
				denied = true
				denyNote = "denied by " + moduleID
				if len(decision.Notes) > 0 {
					denyNote = moduleID + ": " + decision.Notes[0]
				}
			}
		case VerdictModify:
			if decision.OverrideAction == nil {
				denied = true
				denyNote = moduleID + ": modify without override"
			} else if override == nil {
				copied := *decision.OverrideAction
				override = &copied
			} else if !sameAction(*override, *decision.OverrideAction) {
				denied = true
				denyNote = "conflicting override"
			}
		}

		for kind, amount := range decision.Cost {
			totalCost[kind] += amount
		}
	}

	if denied {
		return nil, &RejectReason{Code: RejectRuleDenied, Detail: denyNote}
	}

	owner := obs.Actor
	kinds := make([]string, 0, len(totalCost))
	for kind := range totalCost {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		if totalCost[kind] > 0 && k.state.Balance(owner, kind) < totalCost[kind] {
			return nil, &RejectReason{
				Code:         RejectInsufficientResource,
				ResourceKind: kind,
				Detail:       fmt.Sprintf("rule cost %d exceeds %s balance %d", totalCost[kind], owner, k.state.Balance(owner, kind)),
			}
		}
	}
	for _, kind := range kinds {
		if totalCost[kind] != 0 {
			k.state.creditResource(owner, kind, -totalCost[kind])
		}
	}
	k.lastRuleCost = ruleCharge{owner: owner, cost: totalCost}

	action := env.Action
	if override != nil {
		action = *override
	}
	return &action, nil
}

// refundRuleCost undoes the pipeline's cost debit when the reduced action
// itself rejects, keeping rejections side-effect free.
func (k *Kernel) refundRuleCost() {
	kinds := make([]string, 0, len(k.lastRuleCost.cost))
	for kind := range k.lastRuleCost.cost {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		if amount := k.lastRuleCost.cost[kind]; amount != 0 {
			k.state.creditResource(k.lastRuleCost.owner, kind, amount)
		}
	}
	k.lastRuleCost = ruleCharge{}
}

func sameAction(a, b Action) bool {
	ab, errA := marshalAction(a)
	bb, errB := marshalAction(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

// MapSandbox is a deterministic in-memory sandbox keyed by module id.
type MapSandbox struct {
	Decisions map[string]RuleDecision
	Errors    map[string]error
}

func NewMapSandbox() *MapSandbox {
	return &MapSandbox{
		Decisions: map[string]RuleDecision{},
		Errors:    map[string]error{},
	}
}

func (s *MapSandbox) Invoke(moduleID, wasmHash string, obs Observation, candidate Action) (RuleDecision, error) {
	if err, ok := s.Errors[moduleID]; ok {
		return RuleDecision{}, err
	}
	if d, ok := s.Decisions[moduleID]; ok {
		return d, nil
	}
	return RuleDecision{Verdict: VerdictAllow}, nil
}
