package handlers

import "net/http"

type statsResponse struct {
	RunsByStatus      map[string]int `json:"runs_by_status"`
	TotalFrames       int64          `json:"total_frames"`
	AvgFrameLatencyMS float64        `json:"avg_frame_latency_ms"`
	AvgFrameSizeBytes float64        `json:"avg_frame_size_bytes"`
}

// StatsSummary reports aggregate pipeline figures.
func (a *App) StatsSummary(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Stats.Summary(r.Context())
	if err != nil {
		a.Logger.Error().Err(err).Msg("api: stats query failed")
		a.jsonError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	out := statsResponse{
		RunsByStatus:      map[string]int{},
		TotalFrames:       stats.TotalFrames,
		AvgFrameLatencyMS: stats.AvgFrameLatency,
		AvgFrameSizeBytes: stats.AvgFrameBytes,
	}
	for status, count := range stats.RunsByStatus {
		out.RunsByStatus[string(status)] = count
	}
	a.json(w, http.StatusOK, out)
}
