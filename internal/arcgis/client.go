// Package arcgis implements the wire protocol of the remote mapping server:
// directory listings, service and layer metadata, and per-layer feature
// queries. Every response is decoded through a single path that checks for
// the server's structured error payload, which can arrive with an HTTP 200
// status.
package arcgis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client issues requests against one mapping server.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a client with the given request timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewClientWithHTTP creates a client around an existing http.Client. Tests
// use this to point the protocol at an httptest server.
func NewClientWithHTTP(hc *http.Client) *Client {
	return &Client{httpClient: hc}
}

// errorProbe is decoded from every response body before the target type, so
// a structured error embedded in a 200 response is never mistaken for data.
type errorProbe struct {
	Error *ErrorInfo `json:"error"`
}

// get fetches url with the given query parameters and decodes the JSON body
// into target. It uniformly applies the error-in-200 check.
func (c *Client) get(ctx context.Context, rawURL string, params url.Values, target any) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("f", "json")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", u, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", u, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", u, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned HTTP %d", u, resp.StatusCode)
	}

	var probe errorProbe
	if err := json.Unmarshal(body, &probe); err != nil {
		return fmt.Errorf("parsing response from %s: %w", u, err)
	}
	if probe.Error != nil {
		return fmt.Errorf("%s reported error %d: %s", u, probe.Error.Code, probe.Error.Message)
	}

	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decoding response from %s: %w", u, err)
	}
	return nil
}

// ListServices fetches the services listing of one directory folder.
// folderURL is the full folder address, e.g. <root>/<namespace>.
func (c *Client) ListServices(ctx context.Context, folderURL string) (DirectoryListing, error) {
	var listing DirectoryListing
	if err := c.get(ctx, folderURL, nil, &listing); err != nil {
		return DirectoryListing{}, err
	}
	return listing, nil
}

// DescribeService fetches the metadata of one MapServer service.
func (c *Client) DescribeService(ctx context.Context, serviceURL string) (ServiceInfo, error) {
	var info ServiceInfo
	if err := c.get(ctx, serviceURL, nil, &info); err != nil {
		return ServiceInfo{}, err
	}
	return info, nil
}

// LayerFields fetches the attribute field list of one layer.
func (c *Client) LayerFields(ctx context.Context, serviceURL string, layerIndex int) ([]FieldInfo, error) {
	var detail LayerDetail
	layerURL := fmt.Sprintf("%s/%d", serviceURL, layerIndex)
	if err := c.get(ctx, layerURL, nil, &detail); err != nil {
		return nil, err
	}
	return detail.Fields, nil
}

// QueryParams shapes one per-layer feature query. Exactly one of Where,
// Text, or Envelope drives the filter; Where and Envelope may be combined.
type QueryParams struct {
	Where          string
	Text           string
	Envelope       *Envelope
	OutFields      string
	ReturnGeometry bool
	MaxRecords     int
}

// Query runs a feature query against one layer of a service.
func (c *Client) Query(ctx context.Context, serviceURL string, layerIndex int, p QueryParams) (QueryResponse, error) {
	params := url.Values{}
	if p.Where != "" {
		params.Set("where", p.Where)
	}
	if p.Text != "" {
		params.Set("text", p.Text)
	}
	if p.Envelope != nil {
		params.Set("geometry", p.Envelope.MarshalParam())
		params.Set("geometryType", "esriGeometryEnvelope")
		params.Set("spatialRel", "esriSpatialRelIntersects")
		params.Set("inSR", "4326")
	}
	if p.Where == "" && p.Text == "" && p.Envelope == nil {
		// The endpoint rejects a query with no filter at all.
		params.Set("where", "1=1")
	}
	outFields := p.OutFields
	if outFields == "" {
		outFields = "*"
	}
	params.Set("outFields", outFields)
	params.Set("returnGeometry", strconv.FormatBool(p.ReturnGeometry))
	params.Set("outSR", "4326")
	if p.MaxRecords > 0 {
		params.Set("resultRecordCount", strconv.Itoa(p.MaxRecords))
	}

	queryURL := fmt.Sprintf("%s/%d/query", serviceURL, layerIndex)
	var resp QueryResponse
	if err := c.get(ctx, queryURL, params, &resp); err != nil {
		return QueryResponse{}, err
	}
	return resp, nil
}
