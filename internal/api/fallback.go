package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"feedchat/internal/feed"
)

// EntryReader reads raw entries by feed key.
type EntryReader interface {
	Entry(ctx context.Context, hexKey string, index uint64) ([]byte, error)
}

// FeedEntries serves GET /feeds/<feedKey>/<index> with the raw entry value.
// Anything else is a 404.
func FeedEntries(store EntryReader) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		if req.Method != http.MethodGet {
			return textResponse(http.StatusNotFound, "Not found"), nil
		}
		parts := strings.Split(strings.Trim(req.URL.Path, "/"), "/")
		if len(parts) != 3 || parts[0] != "feeds" || validate.Var(parts[1], "len=64,hexadecimal") != nil {
			return textResponse(http.StatusNotFound, "Not found"), nil
		}
		index, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return textResponse(http.StatusNotFound, "Not found"), nil
		}
		value, err := store.Entry(ctx, parts[1], index)
		if errors.Is(err, feed.ErrUnknownFeed) || errors.Is(err, feed.ErrNotAvailable) {
			return textResponse(http.StatusNotFound, "Not found"), nil
		}
		if err != nil {
			return nil, err
		}
		h := make(http.Header)
		h.Set("Content-Type", "application/json")
		h.Set("Content-Length", strconv.Itoa(len(value)))
		return &Response{StatusCode: http.StatusOK, Header: h, Body: io.NopCloser(bytes.NewReader(value))}, nil
	})
}
