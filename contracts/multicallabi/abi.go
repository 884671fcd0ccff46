// Package multicallabi holds the Multicall3 fragments the view path
// encodes against.
package multicallabi

// DefaultAddress is the canonical Multicall3 deployment, identical on
// most EVM chains.
const DefaultAddress = "0xcA11bde05977b3631167028862bE2a173976CA11"

const TryBlockAndAggregateABI = `
[{"type":"function","name":"tryBlockAndAggregate","stateMutability":"payable",
  "inputs":[
    {"name":"requireSuccess","type":"bool"},
    {"name":"calls","type":"tuple[]","components":[
      {"name":"target","type":"address"},
      {"name":"callData","type":"bytes"}]}],
  "outputs":[
    {"name":"blockNumber","type":"uint256"},
    {"name":"blockHash","type":"bytes32"},
    {"name":"returnData","type":"tuple[]","components":[
      {"name":"success","type":"bool"},
      {"name":"returnData","type":"bytes"}]}]}]`
