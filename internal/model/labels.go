package model

const (
	// RPCGetTransactionCount represents the method used as the RPC liveness probe.
	// Any well-formed JSON response counts as liveness.
	RPCGetTransactionCount = "getTransactionCount"

	// RPCGetSlot represents the method for retrieving a node's observed slot height.
	RPCGetSlot = "getSlot"

	// RPCGetClusterNodes represents the method for retrieving the set of peers
	// a node has discovered over gossip.
	RPCGetClusterNodes = "getClusterNodes"

	// RPCGetHealth represents the node self-reported health method.
	RPCGetHealth = "getHealth"

	// GossipPort is the well-known discovery/gossip port for cluster entrypoints.
	GossipPort = 8001

	// RPCPort is the well-known JSON-RPC port exposed by every node.
	RPCPort = 8899
)
