package model

// Segment 一段带时间戳的转写文本，时间相对所在分片的起点
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript 单个分片的转写结果
type Transcript struct {
	Language            string    `json:"language"`
	LanguageProbability float64   `json:"language_probability"`
	Duration            float64   `json:"duration"`
	Segments            []Segment `json:"segments"`
}

// TranscriptResult 整本书合并后的最终产物，自包含的 JSON 文档
type TranscriptResult struct {
	BookID      string    `json:"book_id"`
	Filename    string    `json:"filename"`
	CompletedAt string    `json:"completed_at"`
	TotalChunks int       `json:"total_chunks"`
	Segments    []Segment `json:"segments"` // 已换算到全书时间轴
	FullText    string    `json:"full_text"`
}
