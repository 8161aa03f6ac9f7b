package evm

// ERC721ABI covers the enumerable and metadata extensions of ERC-721 plus
// the data-carrying safeTransferFrom used to attach accessories to a
// composable token. It is used when a contract is addressed directly
// rather than through the deployments file.
const ERC721ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"ownerOf","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"tokenOfOwnerByIndex","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"index","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"tokenURI","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"safeTransferFrom","stateMutability":"nonpayable",
   "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},
             {"name":"tokenId","type":"uint256"},{"name":"data","type":"bytes"}],
   "outputs":[]}
]`

// ComposableABI is the accessory-holding surface of a composable token
// contract.
const ComposableABI = `[
  {"type":"function","name":"hasAccessory","stateMutability":"view",
   "inputs":[{"name":"accessory","type":"address"},{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"removeAllAccessories","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"tokenURI","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"string"}]}
]`
