package node

import (
	"sort"

	"github.com/agentworld/agentworld/src/challenge"
	"github.com/agentworld/agentworld/src/consensus"
	"github.com/agentworld/agentworld/src/kernel"
)

// ReplicationStatus summarizes the replication plane for the status surface.
type ReplicationStatus struct {
	NetworkCommittedHeight uint64 `json:"network_committed_height"`
	RejectedMessages       uint64 `json:"rejected_messages"`
	LastRejectReason       string `json:"last_reject_reason,omitempty"`
	PendingCommits         int    `json:"pending_commits"`
}

// Status is the full point-in-time runtime snapshot. Every field is copied
// under the runtime lock; nothing here blocks on I/O.
type Status struct {
	NodeID     string `json:"node_id"`
	WorldID    string `json:"world_id"`
	Role       Role   `json:"role"`
	Running    bool   `json:"running"`
	TickCount  uint64 `json:"tick_count"`
	LastTickMs int64  `json:"last_tick_ms"`

	Consensus   consensus.StatusSnapshot `json:"consensus"`
	Replication ReplicationStatus        `json:"replication"`
	Challenges  challenge.Counters       `json:"challenges"`

	RewardPublisher string `json:"reward_publisher,omitempty"`
	LastGateError   string `json:"last_gate_error,omitempty"`
}

// Status snapshots the runtime.
func (n *Node) Status() Status {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	rejected, lastReject := n.repl.RejectedStats()
	return Status{
		NodeID:     n.conf.NodeID,
		WorldID:    n.conf.WorldID,
		Role:       n.conf.Role,
		Running:    n.running,
		TickCount:  n.tickCount,
		LastTickMs: n.lastTickMs,
		Consensus:  n.engine.Status(),
		Replication: ReplicationStatus{
			NetworkCommittedHeight: n.repl.NetworkCommittedHeight(),
			RejectedMessages:       rejected,
			LastRejectReason:       lastReject,
			PendingCommits:         len(n.pendingReplication),
		},
		Challenges:      n.chal.Counters(),
		RewardPublisher: n.rewardRt.LastPublisher(),
		LastGateError:   n.lastGateError,
	}
}

// Balances is the reward-ledger view for the status surface.
type Balances struct {
	WorldID          string                      `json:"world_id"`
	MainTokenAccount string                      `json:"main_token_account,omitempty"`
	Resources        map[string]int64            `json:"resources"`
	Nodes            []kernel.NodeAssetBalance   `json:"nodes"`
	RecentMints      []kernel.RewardMintRecord   `json:"recent_mints"`
	Reserve          kernel.ProtocolPowerReserve `json:"reserve"`
}

// Balances snapshots resource and reward balances. recentMints bounds the
// mint record tail.
func (n *Node) Balances(recentMints int) Balances {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	state := n.bridge.Kernel().State()
	out := Balances{
		WorldID:          n.conf.WorldID,
		MainTokenAccount: n.conf.Reward.MainTokenAccount,
		Resources:        map[string]int64{},
		Reserve:          state.Reward.Reserve,
	}
	for key, amount := range state.Balances {
		out.Resources[key] = amount
	}

	nodeIDs := make([]string, 0, len(state.Reward.Balances))
	for id := range state.Reward.Balances {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)
	for _, id := range nodeIDs {
		out.Nodes = append(out.Nodes, *state.Reward.Balances[id])
	}

	records := state.Reward.MintRecords
	if recentMints > 0 && len(records) > recentMints {
		records = records[len(records)-recentMints:]
	}
	out.RecentMints = append([]kernel.RewardMintRecord{}, records...)
	return out
}
