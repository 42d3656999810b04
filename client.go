package pagesync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// pagePath is the fixed "next page" endpoint, relative to the base URL.
// A GET against it is stateless: the server decides which page to serve,
// so two requests never return the same page within a run.
const pagePath = "/get-page"

// client talks to the remote export service. Both endpoints answer a single
// msgpack-encoded payload per call.
type client struct {
	http    *http.Client
	baseURL string
	pageURL string
}

func newClient(httpc *http.Client, baseURL string) *client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &client{
		http:    httpc,
		baseURL: baseURL,
		pageURL: baseURL + pagePath,
	}
}

// metadata performs the one blocking metadata request that opens a run.
func (c *client) metadata(ctx context.Context) (PaginationMetadata, error) {
	const op = "fetch metadata"

	body, err := c.get(ctx, c.baseURL, op)
	if err != nil {
		return PaginationMetadata{}, err
	}

	var meta PaginationMetadata
	if err := msgpack.Unmarshal(body, &meta); err != nil {
		return PaginationMetadata{}, decodeErr(op, err)
	}
	if meta.TotalPages < 0 {
		return PaginationMetadata{}, decodeErr(op, fmt.Errorf("negative total_pages %d", meta.TotalPages))
	}
	if !meta.Kind.valid() {
		return PaginationMetadata{}, decodeErr(op, fmt.Errorf("unknown pagination kind %q", meta.Kind))
	}
	return meta, nil
}

// page fetches one page payload. Decoding depends on the run's kind and is
// left to the caller.
func (c *client) page(ctx context.Context) ([]byte, error) {
	return c.get(ctx, c.pageURL, "fetch page")
}

func (c *client) get(ctx context.Context, url, op string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, transportErr(op, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportErr(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, transportErr(op, fmt.Errorf("unexpected status %s", resp.Status))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportErr(op, err)
	}
	return body, nil
}
