package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworld/agentworld/src/agentworld"
)

//NewRunCmd returns the command that starts an agentworld node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runAgentWorld,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runAgentWorld(cmd *cobra.Command, args []string) error {
	engine := agentworld.NewAgentWorld(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	defer engine.Shutdown()

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-dir", _config.LogDir, "Directory for per-level log files")
	cmd.Flags().String("config", "", "Config file (default [datadir]/agentworld.toml)")

	// Identity
	cmd.Flags().String("node-id", _config.NodeID, "Node identity in the validator directory")
	cmd.Flags().String("world-id", _config.WorldID, "World this node participates in")
	cmd.Flags().String("node-role", _config.Role, "sequencer, storage, observer")

	// Consensus
	cmd.Flags().Int64("node-tick-ms", _config.TickMs, "Consensus tick interval in milliseconds")
	cmd.Flags().StringArray("node-validator", _config.Validators, "Validator directory entry id:stake (repeatable)")
	cmd.Flags().Bool("node-auto-attest-all", _config.AutoAttestAll, "Local validators attest blocks they did not propose")
	cmd.Flags().Bool("node-no-auto-attest-all", false, "Only the proposer attests its own blocks")

	// Gossip
	cmd.Flags().String("node-gossip-bind", _config.GossipBind, "Listen IP:Port for an external gossip transport")
	cmd.Flags().StringArray("node-gossip-peer", _config.GossipPeers, "Gossip transport peer address (repeatable)")

	// Service
	cmd.Flags().StringP("status-bind", "s", _config.StatusBind, "Listen IP:Port for the HTTP status service")
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP status service")

	// Execution
	cmd.Flags().String("execution-bridge-state", _config.ExecutionBridgeState, "Persisted bridge state file")
	cmd.Flags().String("execution-world-dir", _config.ExecutionWorldDir, "Executed-world directory")
	cmd.Flags().String("execution-records-dir", _config.ExecutionRecordsDir, "Replication envelope directory")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem blob store")
	cmd.Flags().String("storage-root", _config.StorageRoot, "Blob store directory")
	cmd.Flags().Int("cache-size", _config.CacheSize, "Number of items in LRU caches")

	// Timers
	cmd.Flags().Int64("probe-tick-ms", _config.ProbeTickMs, "Storage-probe interval in milliseconds")
	cmd.Flags().Int64("reward-poll-ms", _config.RewardPollMs, "Reward-loop interval in milliseconds")

	// Reward
	cmd.Flags().String("main-token-account", _config.MainTokenAccount, "Account receiving auto-redeemed power")
	cmd.Flags().Bool("auto-redeem", _config.AutoRedeem, "Convert minted credits to power after each settlement")
	cmd.Flags().String("reward-leader", _config.RewardLeader, "Stated settlement publisher")
	cmd.Flags().Int64("reward-leader-stale-ms", _config.RewardLeaderStaleMs, "Leader head staleness threshold in milliseconds")
	cmd.Flags().Bool("reward-failover", _config.RewardFailover, "Let the freshest peer replace a stale leader")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --storage-root, this will
	// update the default storage root to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	if noAuto, _ := cmd.Flags().GetBool("node-no-auto-attest-all"); noAuto {
		_config.AutoAttestAll = false
	}

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":        _config.DataDir,
		"NodeID":         _config.NodeID,
		"WorldID":        _config.WorldID,
		"Role":           _config.Role,
		"StatusBind":     _config.StatusBind,
		"NoService":      _config.NoService,
		"TickMs":         _config.TickMs,
		"ProbeTickMs":    _config.ProbeTickMs,
		"RewardPollMs":   _config.RewardPollMs,
		"Validators":     _config.Validators,
		"AutoAttestAll":  _config.AutoAttestAll,
		"GossipBind":     _config.GossipBind,
		"GossipPeers":    _config.GossipPeers,
		"Store":          _config.Store,
		"StorageRoot":    _config.StorageRoot,
		"CacheSize":      _config.CacheSize,
		"AutoRedeem":     _config.AutoRedeem,
		"RewardLeader":   _config.RewardLeader,
		"RewardFailover": _config.RewardFailover,
		"LogLevel":       _config.LogLevel,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	if file, _ := cmd.Flags().GetString("config"); file != "" {
		// an explicitly named config file must exist
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			return err
		}
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else {
		// look for config file in [datadir]/agentworld.toml (.json, .yaml also work)
		viper.SetConfigName("agentworld") // name of config file (without extension)
		viper.AddConfigPath(_config.DataDir)

		// If a config file is found, read it in.
		if err := viper.ReadInConfig(); err == nil {
			_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
		} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
		} else {
			return err
		}
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
