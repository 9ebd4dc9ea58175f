// Package agentworld assembles a full node from a top-level config: keys,
// blob store, network facade, node runtime, and the HTTP status service.
package agentworld

import (
	"fmt"
	"path/filepath"

	"github.com/agentworld/agentworld/src/cas"
	"github.com/agentworld/agentworld/src/config"
	"github.com/agentworld/agentworld/src/crypto/keys"
	"github.com/agentworld/agentworld/src/gossip"
	"github.com/agentworld/agentworld/src/kernel"
	"github.com/agentworld/agentworld/src/node"
	"github.com/agentworld/agentworld/src/reward"
	"github.com/agentworld/agentworld/src/service"
)

// AgentWorld is the engine: a node runtime plus its collaborators. Network,
// Key, Blobs, and Sandbox may be preset before Init by an embedding process;
// anything left nil is built from the config.
type AgentWorld struct {
	Config  *config.Config
	Key     *keys.Keypair
	Network gossip.Network
	Blobs   cas.Store
	Sandbox kernel.ModuleSandbox
	Node    *node.Node
	Service *service.Service
}

// NewAgentWorld instantiates an engine around a config.
func NewAgentWorld(conf *config.Config) *AgentWorld {
	return &AgentWorld{
		Config: conf,
	}
}

func (a *AgentWorld) initKey() error {
	if a.Key != nil {
		return nil
	}

	key, err := keys.LoadOrCreateKeyFile(a.Config.Keyfile())
	if err != nil {
		return fmt.Errorf("loading key file %s: %v", a.Config.Keyfile(), err)
	}

	a.Config.Logger().WithField("public_key", key.PublicHex()).Debug("Loaded node key")

	a.Key = key

	return nil
}

func (a *AgentWorld) initStore() error {
	if a.Blobs != nil {
		return nil
	}

	if !a.Config.Store {
		a.Blobs = cas.NewInmemStore()

		a.Config.Logger().Debug("created new in-mem blob store")

		return nil
	}

	a.Config.Logger().WithField("path", a.Config.StorageRoot).Debug("Attempting to load or create blob store")

	blobs, err := cas.NewBadgerStore(a.Config.StorageRoot, a.Config.CacheSize)
	if err != nil {
		return err
	}

	a.Blobs = blobs

	return nil
}

func (a *AgentWorld) initNetwork() error {
	if a.Network != nil {
		return nil
	}

	// Gossip transports are external collaborators; without one attached the
	// engine runs on a process-local hub, which is how tests and in-memory
	// embeddings wire multiple nodes together.
	a.Network = gossip.NewInmemHub().Join(a.Config.NodeID)

	if a.Config.GossipBind != "" {
		a.Config.Logger().WithField("bind", a.Config.GossipBind).Warn(
			"No gossip transport attached, node-gossip-bind is recorded but unused")
	}

	return nil
}

func (a *AgentWorld) initNode() error {
	validators, err := a.Config.ParseValidators()
	if err != nil {
		return err
	}

	conf := node.DefaultConfig(a.Config.NodeID, a.Config.WorldID)
	conf.Role = node.Role(a.Config.Role)
	conf.DataDir = a.Config.DataDir
	if a.Config.TickMs > 0 {
		conf.TickMs = a.Config.TickMs
	}
	if a.Config.ProbeTickMs > 0 {
		conf.ProbeTickMs = a.Config.ProbeTickMs
	}
	if a.Config.RewardPollMs > 0 {
		conf.RewardPollMs = a.Config.RewardPollMs
	}
	if a.Config.ExecutionWorldDir != "" {
		conf.WorldDir = a.Config.ExecutionWorldDir
	} else if a.Config.ExecutionBridgeState != "" {
		conf.WorldDir = filepath.Dir(a.Config.ExecutionBridgeState)
	}
	if a.Config.ExecutionRecordsDir != "" {
		conf.RecordsDir = a.Config.ExecutionRecordsDir
	}
	conf.Consensus.Validators = validators
	conf.Consensus.AutoAttestAllValidators = a.Config.AutoAttestAll
	conf.Reward.MainTokenAccount = a.Config.MainTokenAccount
	conf.Reward.AutoRedeem = a.Config.AutoRedeem
	conf.Reward.Election = reward.ElectionPolicy{
		LeaderNodeID:   a.Config.RewardLeader,
		LeaderStaleMs:  a.Config.RewardLeaderStaleMs,
		EnableFailover: a.Config.RewardFailover,
	}

	n, err := node.NewNode(conf, a.Key, a.Network, a.Blobs, a.Sandbox, a.Config.Logger())
	if err != nil {
		return err
	}

	a.Node = n

	return nil
}

func (a *AgentWorld) initService() error {
	if !a.Config.NoService && a.Config.StatusBind != "" {
		a.Service = service.NewService(a.Config.StatusBind, a.Node, a.Config.Logger())
	}
	return nil
}

// Init builds every collaborator that was not preset. Nothing spawns until
// Run.
func (a *AgentWorld) Init() error {
	if err := a.initKey(); err != nil {
		return err
	}

	if err := a.initStore(); err != nil {
		return err
	}

	if err := a.initNetwork(); err != nil {
		return err
	}

	if err := a.initNode(); err != nil {
		return err
	}

	if err := a.initService(); err != nil {
		return err
	}

	return nil
}

// Run starts the status service and blocks on the node runtime until
// Shutdown.
func (a *AgentWorld) Run() {
	if a.Service != nil {
		go a.Service.Serve()
	}

	a.Node.Run()
}

// Shutdown stops the node and the status service.
func (a *AgentWorld) Shutdown() {
	if a.Node != nil {
		a.Node.Shutdown()
	}
	if a.Service != nil {
		a.Service.Close()
	}
	if a.Blobs != nil {
		a.Blobs.Close()
	}
}
