package ethreader

// DefaultABI covers the five read methods the indexer calls. Deployments with
// a richer ABI can load it from a file; only these method names are used.
const DefaultABI = `[
  {"type":"function","name":"getTokenId","stateMutability":"view",
   "inputs":[{"name":"x","type":"int256"},{"name":"y","type":"int256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"tokenURI","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"land","stateMutability":"view",
   "inputs":[{"name":"x","type":"int256"},{"name":"y","type":"int256"}],
   "outputs":[{"name":"isMinted","type":"bool"},{"name":"slogan","type":"string"}]},
  {"type":"function","name":"getNeighborsParams","stateMutability":"view",
   "inputs":[{"name":"x","type":"int256"},{"name":"y","type":"int256"}],
   "outputs":[{"name":"","type":"string[]"}]},
  {"type":"function","name":"getCoordinates","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"x","type":"int256"},{"name":"y","type":"int256"}]}
]`

const (
	methodTokenID     = "getTokenId"
	methodTokenURI    = "tokenURI"
	methodLand        = "land"
	methodNeighbors   = "getNeighborsParams"
	methodCoordinates = "getCoordinates"
)
