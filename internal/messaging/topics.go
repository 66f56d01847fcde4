package messaging

// Topics the miner publishes to.
const (
	TopicShares     = "mining.shares" // miner → pool share processor
	TopicMinerStats = "miner.stats"   // miner → pool stats service
)
