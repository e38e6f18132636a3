package api

import (
	"errors"
	"io"
	"net/http"

	"feedchat/internal/debuglog"
	"feedchat/internal/upload"
)

// ServeHTTP adapts Handle to net/http. Streaming bodies are flushed after
// every write.
func (r *Router) ServeHTTP(w http.ResponseWriter, hr *http.Request) {
	u := *hr.URL
	if u.Host == "" {
		u.Host = hr.Host
	}
	req := &Request{Method: hr.Method, URL: &u, Header: hr.Header}
	if hr.Body != nil && hr.Body != http.NoBody {
		data, err := io.ReadAll(io.LimitReader(hr.Body, upload.MaxBodySize+1))
		if err != nil {
			http.Error(w, "Invalid upload data", http.StatusBadRequest)
			return
		}
		req.Upload = []upload.Chunk{upload.BytesChunk(data)}
	}

	resp := r.Handle(hr.Context(), req)
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	if err := copyFlush(w, resp.Body); err != nil && hr.Context().Err() == nil {
		debuglog.Debugf("api response copy failed url=%s err=%v", hr.URL.Path, err)
	}
}

func copyFlush(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
