package offline

import (
	"net/http"
	"strconv"
)

const builtinOfflineHTML = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>You are offline</h1><p>This page is not available without a network connection.</p></body>
</html>
`

// builtinOfflineResponse 在离线页尚未预缓存（或已丢失）时兜底，保证导航总有响应。
func builtinOfflineResponse() *Response {
	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(builtinOfflineHTML)))
	header.Set("Cache-Control", "no-store")
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: header,
		Body:   []byte(builtinOfflineHTML),
		Source: SourceBuiltin,
	}
}
