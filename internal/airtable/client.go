// Package airtable is the sheet-side store adapter. Besides plain CRUD it
// handles the dual field addressing (field name vs field id) and recovers
// from unknown-field and invalid-value write errors.
package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

const defaultBaseURL = "https://api.airtable.com/v0"

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
)

// Reserved keys are bookkeeping attached to fetched records; they are never
// written back as fields.
var reservedKeys = []string{"airtable_id", "last_modified", "raw_fields", "raw_fields_by_id"}

// FieldRef is the configured addressing for one mapped key: the sheet field
// id and, optionally, the display name.
type FieldRef struct {
	ID   string
	Name string
}

// TableRef addresses one sheet table by id and/or name. At least one must
// be set.
type TableRef struct {
	ID   string
	Name string
}

// Record is one sheet record. FieldsByID is populated only when a field-id
// map is configured for the table.
type Record struct {
	ID          string
	CreatedTime string
	Fields      map[string]any
	FieldsByID  map[string]any
}

// Client talks to one Airtable base.
type Client struct {
	BaseURL string
	Token   string
	BaseID  string
	Tables  map[string]TableRef            // entity -> table addressing
	Fields  map[string]map[string]FieldRef // entity -> key -> field ref
	HTTP    *http.Client
}

// New creates a client for the given base.
func New(token, baseID string, tables map[string]TableRef, fields map[string]map[string]FieldRef) *Client {
	return &Client{
		BaseURL: defaultBaseURL,
		Token:   token,
		BaseID:  baseID,
		Tables:  tables,
		Fields:  fields,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// FieldRef returns the configured field mapping for a key, if any.
func (c *Client) FieldRef(entity, key string) (FieldRef, bool) {
	m, ok := c.Fields[entity]
	if !ok {
		return FieldRef{}, false
	}
	ref, ok := m[key]
	return ref, ok
}

func (c *Client) tablePath(entity string) (string, error) {
	t, ok := c.Tables[entity]
	if !ok || (t.ID == "" && t.Name == "") {
		return "", fmt.Errorf("no table configured for entity %q", entity)
	}
	ref := t.ID
	if ref == "" {
		ref = t.Name
	}
	return fmt.Sprintf("/%s/%s", c.BaseID, url.PathEscape(ref)), nil
}

// hasFieldIDs reports whether any mapped key for the entity carries a field id.
func (c *Client) hasFieldIDs(entity string) bool {
	for _, ref := range c.Fields[entity] {
		if ref.ID != "" {
			return true
		}
	}
	return false
}

// List fetches every record of the entity's table. When a field-id map is in
// effect, a parallel listing keyed by field id is fetched and attached per
// record, so callers can fall back to the id variant for renamed fields.
func (c *Client) List(ctx context.Context, entity string) ([]Record, error) {
	path, err := c.tablePath(entity)
	if err != nil {
		return nil, err
	}

	var byName, byID []apiRecord
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		byName, err = c.listPages(gctx, path, false)
		return err
	})
	if c.hasFieldIDs(entity) {
		g.Go(func() error {
			var err error
			byID, err = c.listPages(gctx, path, true)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("list %s: %w", entity, err)
	}

	idFields := make(map[string]map[string]any, len(byID))
	for _, r := range byID {
		idFields[r.ID] = r.Fields
	}

	records := make([]Record, 0, len(byName))
	for _, r := range byName {
		records = append(records, Record{
			ID:          r.ID,
			CreatedTime: r.CreatedTime,
			Fields:      r.Fields,
			FieldsByID:  idFields[r.ID],
		})
	}
	return records, nil
}

func (c *Client) listPages(ctx context.Context, path string, byFieldID bool) ([]apiRecord, error) {
	var all []apiRecord
	offset := ""
	for {
		params := url.Values{"pageSize": {"100"}}
		if byFieldID {
			params.Set("returnFieldsByFieldId", "true")
		}
		if offset != "" {
			params.Set("offset", offset)
		}

		var page listResponse
		if err := c.do(ctx, "GET", path+"?"+params.Encode(), nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Records...)
		if page.Offset == "" {
			return all, nil
		}
		offset = page.Offset
	}
}

// Create writes a new record and returns it.
func (c *Client) Create(ctx context.Context, entity string, fields map[string]any) (Record, error) {
	return c.write(ctx, entity, "", fields)
}

// Update patches an existing record and returns it.
func (c *Client) Update(ctx context.Context, entity, recordID string, fields map[string]any) (Record, error) {
	return c.write(ctx, entity, recordID, fields)
}

// Delete removes a record.
func (c *Client) Delete(ctx context.Context, entity, recordID string) error {
	path, err := c.tablePath(entity)
	if err != nil {
		return err
	}
	if err := c.do(ctx, "DELETE", path+"/"+recordID, nil, nil); err != nil {
		return fmt.Errorf("delete %s/%s: %w", entity, recordID, err)
	}
	return nil
}

// write sends a create or update. Field names are tried first; on an
// unknown-field rejection the same payload is retried keyed by field id.
// If the sheet still rejects individual values, the offending fields are
// extracted from the error message, dropped from both payload variants,
// and the write is retried once more.
func (c *Client) write(ctx context.Context, entity, recordID string, fields map[string]any) (Record, error) {
	path, err := c.tablePath(entity)
	if err != nil {
		return Record{}, err
	}

	preferred, fallback := c.buildPayloads(entity, fields)

	rec, err := c.send(ctx, path, recordID, preferred)
	if err == nil {
		return rec, nil
	}

	payload := preferred
	if isUnknownField(err) && !samePayload(preferred, fallback) {
		payload = fallback
		rec, err = c.send(ctx, path, recordID, fallback)
		if err == nil {
			return rec, nil
		}
	}

	dropped := extractFieldNames(err)
	if len(dropped) == 0 {
		return Record{}, err
	}
	c.dropFields(entity, preferred, dropped)
	c.dropFields(entity, fallback, dropped)
	slog.Warn("sheet rejected fields, retrying without them",
		"entity", entity, "fields", dropped)

	if samePayload(payload, preferred) {
		return c.send(ctx, path, recordID, preferred)
	}
	return c.send(ctx, path, recordID, fallback)
}

// buildPayloads resolves each source key to its preferred field name
// (configured name, else the key itself) and to its fallback field id
// where one is configured. Reserved bookkeeping keys are stripped.
func (c *Client) buildPayloads(entity string, fields map[string]any) (preferred, fallback map[string]any) {
	preferred = make(map[string]any, len(fields))
	fallback = make(map[string]any, len(fields))
	for key, value := range fields {
		if isReserved(key) {
			continue
		}
		name := key
		id := ""
		if ref, ok := c.FieldRef(entity, key); ok {
			if ref.Name != "" {
				name = ref.Name
			}
			id = ref.ID
		}
		preferred[name] = value
		if id != "" {
			fallback[id] = value
		} else {
			fallback[name] = value
		}
	}
	return preferred, fallback
}

// dropFields removes names extracted from an error message from a payload,
// including their mapped field ids and source keys.
func (c *Client) dropFields(entity string, payload map[string]any, names []string) {
	for _, name := range names {
		delete(payload, name)
		for key, ref := range c.Fields[entity] {
			if ref.Name == name || key == name {
				delete(payload, key)
				if ref.ID != "" {
					delete(payload, ref.ID)
				}
				if ref.Name != "" {
					delete(payload, ref.Name)
				}
			}
		}
	}
}

func (c *Client) send(ctx context.Context, path, recordID string, fields map[string]any) (Record, error) {
	body := map[string]any{"fields": fields, "typecast": true}
	var out apiRecord
	if recordID == "" {
		if err := c.do(ctx, "POST", path, body, &out); err != nil {
			return Record{}, err
		}
	} else {
		if err := c.do(ctx, "PATCH", path+"/"+recordID, body, &out); err != nil {
			return Record{}, err
		}
	}
	return Record{ID: out.ID, CreatedTime: out.CreatedTime, Fields: out.Fields}, nil
}

func isReserved(key string) bool {
	for _, r := range reservedKeys {
		if key == r {
			return true
		}
	}
	return false
}

func samePayload(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// --- wire types ---

type apiRecord struct {
	ID          string         `json:"id"`
	CreatedTime string         `json:"createdTime"`
	Fields      map[string]any `json:"fields"`
}

type listResponse struct {
	Records []apiRecord `json:"records"`
	Offset  string      `json:"offset"`
}

// --- HTTP plumbing ---

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = data
	}

	op := func() error {
		return c.doOnce(ctx, method, path, payload, result)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(op, bo)
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, result any) error {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP 429", ErrRateLimited)
	case resp.StatusCode >= 500:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody)
	case resp.StatusCode == http.StatusUnauthorized:
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrUnauthorized, respBody))
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, respBody))
	case resp.StatusCode >= 400:
		return backoff.Permanent(parseAPIError(resp.StatusCode, respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return backoff.Permanent(fmt.Errorf("unmarshal response: %w", err))
		}
	}
	return nil
}
