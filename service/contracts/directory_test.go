package contracts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/brojonat/contractgate/service/evm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const deploymentsJSON = `{
  "31337": {
    "Snowman": {
      "address": "0x5FbDB2315678afecb367f032d93F642f64180aa3",
      "abi": [{"type":"function","name":"mint","stateMutability":"payable","inputs":[],"outputs":[]}]
    },
    "Belt": {
      "address": "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512",
      "abi": "[{\"type\":\"function\",\"name\":\"balanceOf\",\"stateMutability\":\"view\",\"inputs\":[{\"name\":\"owner\",\"type\":\"address\"}],\"outputs\":[{\"name\":\"\",\"type\":\"uint256\"}]}]"
    }
  },
  "11155111": {
    "Snowman": {
      "address": "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0",
      "abi": []
    }
  }
}`

func TestParse(t *testing.T) {
	dir, err := Parse([]byte(deploymentsJSON), 31337)
	require.NoError(t, err)

	assert.Equal(t, []string{"Belt", "Snowman"}, dir.Names())
	assert.Equal(t, int64(31337), dir.ChainID())

	snowman, ok := dir.Lookup("Snowman")
	require.True(t, ok)
	assert.Equal(t, "0x5FbDB2315678afecb367f032d93F642f64180aa3", snowman.Address)

	parsed, err := evm.ParseABI(snowman.ABI)
	require.NoError(t, err)
	assert.Contains(t, parsed.Methods, "mint")

	belt, ok := dir.Lookup("Belt")
	require.True(t, ok)
	parsed, err = evm.ParseABI(belt.ABI)
	require.NoError(t, err)
	assert.Contains(t, parsed.Methods, "balanceOf")

	_, ok = dir.Lookup("Hat")
	assert.False(t, ok)
}

func TestParse_OtherChain(t *testing.T) {
	dir, err := Parse([]byte(deploymentsJSON), 11155111)
	require.NoError(t, err)

	d, ok := dir.Lookup("Snowman")
	require.True(t, ok)
	assert.Equal(t, "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0", d.Address)
	_, ok = dir.Lookup("Belt")
	assert.False(t, ok)
}

func TestParse_UnknownChainIsEmpty(t *testing.T) {
	dir, err := Parse([]byte(deploymentsJSON), 1)
	require.NoError(t, err)
	assert.Empty(t, dir.Names())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"bad address", `{"1": {"X": {"address": "nope", "abi": []}}}`},
		{"missing abi", `{"1": {"X": {"address": "0x5FbDB2315678afecb367f032d93F642f64180aa3"}}}`},
		{"bad abi", `{"1": {"X": {"address": "0x5FbDB2315678afecb367f032d93F642f64180aa3", "abi": "{"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), 1)
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployments.json")
	require.NoError(t, os.WriteFile(path, []byte(deploymentsJSON), 0o600))

	dir, err := LoadFile(path, 31337)
	require.NoError(t, err)
	assert.Len(t, dir.Names(), 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"), 31337)
	assert.Error(t, err)
}

func TestDeployment_Spec(t *testing.T) {
	d := Deployment{Name: "Snowman", Address: "0x5FbDB2315678afecb367f032d93F642f64180aa3", ABI: "[]"}
	spec := d.Spec("mint", 1, 2)
	assert.Equal(t, d.Address, spec.ContractAddress)
	assert.Equal(t, "mint", spec.FunctionName)
	assert.Equal(t, []any{1, 2}, spec.Args)
}
