package domain

// PipelineStats aggregates run and frame figures for the stats endpoint.
type PipelineStats struct {
	RunsByStatus    map[RunStatus]int
	TotalFrames     int64
	AvgFrameLatency float64 // milliseconds
	AvgFrameBytes   float64
}
