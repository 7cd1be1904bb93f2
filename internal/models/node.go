package models

type NodeInfo struct {
	NodeID          string `json:"node_id"`
	Address         string `json:"address"`
	Version         string `json:"version"`
	OperatingSystem string `json:"operating_system"`
	Architecture    string `json:"architecture"`
	CPUCores        int    `json:"cpu_cores"`
	LedgerBackend   string `json:"ledger_backend"`
	ChainBackend    string `json:"chain_backend"`
}
