// Package contracts resolves contract names to deployed addresses and ABIs.
package contracts

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/brojonat/contractgate/service/evm"
	"github.com/ethereum/go-ethereum/common"
	"github.com/itchyny/gojq"
)

// Deployment is one named contract on the configured chain.
type Deployment struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	ABI     string `json:"abi"`
}

// Spec builds a call spec for fn on this deployment.
func (d Deployment) Spec(fn string, args ...any) evm.CallSpec {
	return evm.CallSpec{
		ContractAddress: d.Address,
		ABI:             d.ABI,
		FunctionName:    fn,
		Args:            append([]any(nil), args...),
	}
}

// Directory is the deployed-contract lookup used by the pipeline.
type Directory interface {
	Lookup(name string) (Deployment, bool)
}

// Static is an immutable Directory for a single chain.
type Static struct {
	chainID     int64
	deployments map[string]Deployment
}

// NewStatic builds a directory from explicit deployments.
func NewStatic(chainID int64, deployments ...Deployment) *Static {
	s := &Static{chainID: chainID, deployments: make(map[string]Deployment, len(deployments))}
	for _, d := range deployments {
		s.deployments[d.Name] = d
	}
	return s
}

// Lookup implements Directory. Names are matched exactly.
func (s *Static) Lookup(name string) (Deployment, bool) {
	d, ok := s.deployments[name]
	return d, ok
}

// ChainID returns the chain the directory was built for.
func (s *Static) ChainID() int64 {
	return s.chainID
}

// Names lists the known contract names in sorted order.
func (s *Static) Names() []string {
	names := make([]string, 0, len(s.deployments))
	for name := range s.deployments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// chainQuery flattens the deployments of one chain into name/address/abi
// objects. The file is keyed by chain id, then contract name.
const chainQuery = `.[$chain] // {} | to_entries[] | {name: .key, address: .value.address, abi: .value.abi}`

// LoadFile reads a deployments file of the form
//
//	{"31337": {"Snowman": {"address": "0x...", "abi": [...]}}}
//
// and returns the directory for chainID.
func LoadFile(path string, chainID int64) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployments file: %w", err)
	}
	return Parse(raw, chainID)
}

// Parse is LoadFile for an in-memory document.
func Parse(raw []byte, chainID int64) (*Static, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse deployments: %w", err)
	}

	query, err := gojq.Parse(chainQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to parse deployments query: %w", err)
	}
	code, err := gojq.Compile(query, gojq.WithVariables([]string{"$chain"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile deployments query: %w", err)
	}

	var deployments []Deployment
	iter := code.Run(doc, strconv.FormatInt(chainID, 10))
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, fmt.Errorf("failed to query deployments: %w", err)
		}
		d, err := toDeployment(v)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}

	return NewStatic(chainID, deployments...), nil
}

func toDeployment(v any) (Deployment, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Deployment{}, fmt.Errorf("unexpected deployment entry %T", v)
	}
	name, _ := m["name"].(string)
	address, _ := m["address"].(string)
	if !common.IsHexAddress(address) {
		return Deployment{}, fmt.Errorf("deployment %q has invalid address %q", name, address)
	}

	var abiJSON string
	switch a := m["abi"].(type) {
	case string:
		abiJSON = a
	case nil:
		return Deployment{}, fmt.Errorf("deployment %q has no abi", name)
	default:
		b, err := json.Marshal(a)
		if err != nil {
			return Deployment{}, fmt.Errorf("failed to encode abi for %q: %w", name, err)
		}
		abiJSON = string(b)
	}
	if _, err := evm.ParseABI(abiJSON); err != nil {
		return Deployment{}, fmt.Errorf("deployment %q: %w", name, err)
	}

	return Deployment{Name: name, Address: address, ABI: abiJSON}, nil
}
