// Package crawler defines the job and page types shared by the worker subsystems.
package crawler

// Job is a page-fetch lease handed out by the control plane. The identifiers
// are opaque; the worker only echoes them back on submit and delete.
type Job struct {
	URL      string `json:"url"`
	PageID   string `json:"page_id"`
	CrawlID  string `json:"crawl_id"`
	DeleteID string `json:"delete_id"`
}

// PageResult is the rendered output for one job.
type PageResult struct {
	HTML  string
	Links []string
}

// SubmitPayload is the body sent when a page result is reported.
type SubmitPayload struct {
	Content string   `json:"content"`
	Links   []string `json:"links"`
}

// NewSubmitPayload converts a result into its wire form. Links are never null.
func NewSubmitPayload(result PageResult) SubmitPayload {
	links := result.Links
	if links == nil {
		links = []string{}
	}
	return SubmitPayload{Content: result.HTML, Links: links}
}

// State is a position in the worker's job lifecycle.
type State string

// Worker loop states.
const (
	StateAcquiring  State = "acquiring"
	StateRendering  State = "rendering"
	StateSubmitting State = "submitting"
	StateCompleting State = "completing"
	StateDrained    State = "drained"
)

// States lists every worker state in lifecycle order.
func States() []State {
	return []State{StateAcquiring, StateRendering, StateSubmitting, StateCompleting, StateDrained}
}
