// Package http includes handlers and utilities shared by the servers.
package http

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"
)

// ReadAllAndReplaceBody reads all of r.Body and replaces it with a new byte buffer.
func ReadAllAndReplaceBody(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return b, err
	}
	defer r.Body.Close()
	r.Body = io.NopCloser(bytes.NewBuffer(b))
	return b, nil
}

func isText(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || bytes.HasPrefix([]byte(mediaType), []byte("text/"))
}

// DumpHandler writes the method, path and body of each request to
// output. Non-text bodies such as uploaded photos are summarized by
// their size.
func DumpHandler(next http.Handler, output io.Writer) http.HandlerFunc {
	var mu sync.Mutex
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := ReadAllAndReplaceBody(r)
		mu.Lock()
		fmt.Fprintf(output, "%s %s\n", r.Method, r.URL.Path)
		if len(body) > 0 {
			if isText(r.Header.Get("Content-Type")) {
				output.Write(append(body, '\n'))
			} else {
				fmt.Fprintf(output, "<%d bytes %s>\n", len(body), r.Header.Get("Content-Type"))
			}
		}
		mu.Unlock()
		next.ServeHTTP(w, r)
	}
}
