package tui

// WorkersStats mirrors the /workers payload.
type WorkersStats struct {
	ActiveWorkers int               `json:"active_workers"`
	GlobalMax     int               `json:"global_max"`
	Queued        int               `json:"queued"`
	QueueSize     int               `json:"queue_size"`
	Dispatched    int               `json:"dispatched"`
	Completed     int               `json:"completed"`
	Workers       map[string]string `json:"workers"`
	Chains        map[string]int    `json:"chains"`
}
