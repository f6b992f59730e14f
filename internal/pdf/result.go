package pdf

// Result はジョブの成果物です。
// vision モードでは Output、dual モードでは OutputGPT と OutputDocument が入ります。
type Result struct {
	JobID          string `json:"jobId"`
	Pipeline       string `json:"pipeline"`
	Output         string `json:"output,omitempty"`
	OutputGPT      string `json:"output_gpt,omitempty"`
	OutputDocument string `json:"output_document,omitempty"`
	Pages          int    `json:"pages"`
	FailedPages    []int  `json:"failedPages,omitempty"` // 1 始まりのページ番号
	CallbackURL    string `json:"-"`
}
