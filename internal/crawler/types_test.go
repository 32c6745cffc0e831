package crawler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobDecodesControlPlaneRecord(t *testing.T) {
	t.Parallel()

	var jobs []Job
	body := `[{"url":"https://example.com","page_id":"p1","crawl_id":"c1","delete_id":"d1"}]`
	require.NoError(t, json.Unmarshal([]byte(body), &jobs))
	require.Equal(t, []Job{{URL: "https://example.com", PageID: "p1", CrawlID: "c1", DeleteID: "d1"}}, jobs)
}

func TestNewSubmitPayloadNeverSendsNullLinks(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(NewSubmitPayload(PageResult{HTML: "<html></html>"}))
	require.NoError(t, err)
	require.JSONEq(t, `{"content":"<html></html>","links":[]}`, string(raw))
}
