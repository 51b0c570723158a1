package httpstore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/coachpo/livequery/errs"
	"github.com/coachpo/livequery/internal/domain/schema"
	"github.com/coachpo/livequery/internal/infra/wire"
)

// Put writes a document. The token must carry the admin claim.
func (c *Client) Put(ctx context.Context, collection, id string, fields map[string]any) (schema.Record, error) {
	body, err := wire.Encode(wire.DocumentRequest{Fields: fields})
	if err != nil {
		return schema.Record{}, errs.New(storeLabel, errs.CodeInvalid, errs.WithCause(err), errs.WithCollection(collection))
	}
	var record schema.Record
	if err := c.admin(ctx, http.MethodPut, documentURL(collection, id), collection, body, &record); err != nil {
		return schema.Record{}, err
	}
	return record, nil
}

// Delete removes a document.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	return c.admin(ctx, http.MethodDelete, documentURL(collection, id), collection, nil, nil)
}

// Interrupt fails every open subscription on collection, simulating an outage.
func (c *Client) Interrupt(ctx context.Context, collection string) (int, error) {
	var out struct {
		Interrupted int `json:"interrupted"`
	}
	path := "/v1/collections/" + url.PathEscape(collection) + "/interrupt"
	if err := c.admin(ctx, http.MethodPost, path, collection, nil, &out); err != nil {
		return 0, err
	}
	return out.Interrupted, nil
}

func documentURL(collection, id string) string {
	return "/v1/collections/" + url.PathEscape(collection) + "/documents/" + url.PathEscape(id)
}

func (c *Client) admin(ctx context.Context, method, path, collection string, body []byte, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return errs.New(storeLabel, errs.CodeInvalid, errs.WithCause(err), errs.WithCollection(collection))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err, collection)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp, collection)
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(err, collection)
	}
	if err := wire.Decode(data, out); err != nil {
		return errs.New(storeLabel, errs.CodeUnknown, errs.WithMessage("malformed response"), errs.WithCause(err))
	}
	return nil
}
