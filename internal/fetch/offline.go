package fetch

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// OfflineHeader marks responses synthesized while the network is unreachable,
// so callers can tell them apart from a real 503 from the origin.
const OfflineHeader = "X-Offline"

const offlineBody = "Offline"

// OfflineResponse synthesizes the offline sentinel for req.
func OfflineResponse(req *http.Request) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Cache-Control", "no-store")
	header.Set(OfflineHeader, "1")

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable)),
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(offlineBody)),
		ContentLength: int64(len(offlineBody)),
		Request:       req,
	}
}

// IsOffline reports whether resp is the offline sentinel.
func IsOffline(resp *http.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusServiceUnavailable && resp.Header.Get(OfflineHeader) == "1"
}
