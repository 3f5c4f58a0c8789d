package deployments

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrNotFound = errors.New("deployment not found")

type Registry struct {
	SchemaVersion int          `json:"schema_version"`
	Deployments   []Deployment `json:"deployments"`
}

// Deployment pins the program ids and oracle accounts of one cluster.
// Ids are base58 strings and are parsed by the caller.
type Deployment struct {
	Name    string `json:"name"`
	Cluster string `json:"cluster,omitempty"`
	RPCURL  string `json:"rpc_url,omitempty"`

	RaffleProgramID string `json:"raffle_program_id"`

	RandomnessProgramID string `json:"randomness_program_id,omitempty"`
	RandomnessQueue     string `json:"randomness_queue,omitempty"`
	RandomnessOracle    string `json:"randomness_oracle,omitempty"`
}

func Load(path string) (Registry, error) {
	var out Registry
	path = strings.TrimSpace(path)
	if path == "" {
		return Registry{}, errors.New("path required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Registry{}, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Registry{}, err
	}
	return out, nil
}

func (r Registry) FindByName(name string) (Deployment, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Deployment{}, errors.New("name required")
	}
	for _, d := range r.Deployments {
		if d.Name == name {
			return d, nil
		}
	}
	return Deployment{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}
