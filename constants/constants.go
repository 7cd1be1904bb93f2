package constants

const (
	ChainSimulated = "simulated"
	ChainEthereum  = "ethereum"
)

const (
	DispatcherLocal  = "local"
	DispatcherCelery = "celery"
)

// celery task names
const TASK_SETTLE string = "market.settle"

const API_BASE_PATH = "/api/v1/market"

const ENV_REPO_PATH = "MARKET_PATH"
