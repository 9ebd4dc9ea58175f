package replication

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentworld/agentworld/src/wire"
)

// Envelopes persist one JSON file per height so a node restart replays the
// local log without touching the network.

func envelopeFileName(height uint64) string {
	return fmt.Sprintf("envelope-%020d.json", height)
}

func (r *Runtime) persist(env wire.CommitEnvelope) error {
	if err := os.MkdirAll(r.dir, 0700); err != nil {
		return err
	}
	data, err := wire.MarshalJSON(env)
	if err != nil {
		return err
	}
	path := filepath.Join(r.dir, envelopeFileName(env.Height))
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (r *Runtime) loadPersisted() error {
	entries, err := ioutil.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	names := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "envelope-") && strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := ioutil.ReadFile(filepath.Join(r.dir, name))
		if err != nil {
			return err
		}
		var env wire.CommitEnvelope
		if err := wire.UnmarshalJSON(data, &env); err != nil {
			return fmt.Errorf("decode %s: %v", name, err)
		}
		if err := r.store(env, false); err != nil {
			return err
		}
	}
	if len(names) > 0 {
		r.logger.WithField("envelopes", len(names)).Debug("Reloaded replication log")
	}
	return nil
}
