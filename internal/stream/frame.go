package stream

// Kind identifies the type of a build stream frame
type Kind string

const (
	KindProgress Kind = "progress"
	KindLength   Kind = "length"
	KindChunk    Kind = "chunk"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
	KindResult   Kind = "result"
)

// Known reports whether k is one of the protocol frame kinds
func (k Kind) Known() bool {
	switch k {
	case KindProgress, KindLength, KindChunk, KindComplete, KindError, KindResult:
		return true
	}
	return false
}

// Terminal reports whether a frame of this kind ends the logical operation
func (k Kind) Terminal() bool {
	return k == KindResult || k == KindError
}

// Frame is one decoded build stream event. Which payload fields are set
// depends on Kind.
type Frame struct {
	Kind    Kind   `json:"type"`
	BuildID string `json:"buildId,omitempty"`

	// progress / length
	Percent *float64 `json:"progress,omitempty"`
	Phase   string   `json:"phase,omitempty"`
	Message string   `json:"message,omitempty"`
	Current *int64   `json:"current,omitempty"`
	Total   *int64   `json:"total,omitempty"`

	// chunk
	Content     string `json:"content,omitempty"`
	TotalLength *int64 `json:"totalLength,omitempty"`

	// error
	Error string `json:"error,omitempty"`

	// result
	Result *Result `json:"result,omitempty"`
}

// Result is the payload of the terminal success frame
type Result struct {
	PreviewURL     string `json:"previewUrl"`
	DeploymentURL  string `json:"deploymentUrl,omitempty"`
	FilesGenerated int    `json:"filesGenerated,omitempty"`
	TotalBytes     int64  `json:"totalBytes,omitempty"`
}
