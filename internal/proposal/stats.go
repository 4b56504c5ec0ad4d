package proposal

// ProposalStats 聚合了提案状态的统计信息，常用于仪表盘或健康检查。
type ProposalStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Executed        int   `json:"executed"`
	Rejected        int   `json:"rejected"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}
