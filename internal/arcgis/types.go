package arcgis

import "encoding/json"

// ErrorInfo is the structured error payload the server embeds in a response
// body. It can arrive with an HTTP 200 status, so every decode must check
// for it before trusting the rest of the payload.
type ErrorInfo struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

// DirectoryListing is the response of a folder-level services listing.
type DirectoryListing struct {
	CurrentVersion float64        `json:"currentVersion"`
	Folders        []string       `json:"folders"`
	Services       []ServiceEntry `json:"services"`
	Error          *ErrorInfo     `json:"error"`
}

// ServiceEntry is one service in a directory listing.
type ServiceEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ServiceInfo is the metadata of a single MapServer service.
type ServiceInfo struct {
	MapName            string            `json:"mapName"`
	Description        string            `json:"description"`
	ServiceDescription string            `json:"serviceDescription"`
	Layers             []LayerInfo       `json:"layers"`
	SpatialReference   *SpatialReference `json:"spatialReference"`
	FullExtent         *Extent           `json:"fullExtent"`
	Error              *ErrorInfo        `json:"error"`
}

// LayerInfo is one layer definition inside a service's metadata.
type LayerInfo struct {
	ID                int     `json:"id"`
	Name              string  `json:"name"`
	Type              string  `json:"type"`
	GeometryType      string  `json:"geometryType"`
	Description       string  `json:"description"`
	MinScale          float64 `json:"minScale"`
	MaxScale          float64 `json:"maxScale"`
	DefaultVisibility bool    `json:"defaultVisibility"`
	ParentLayerID     int     `json:"parentLayerId"`
	SubLayerIDs       []int   `json:"subLayerIds"`
}

// SpatialReference identifies the coordinate system of a service or geometry.
type SpatialReference struct {
	WKID       int `json:"wkid"`
	LatestWKID int `json:"latestWkid"`
}

// Extent is a service's declared bounding rectangle.
type Extent struct {
	XMin             float64           `json:"xmin"`
	YMin             float64           `json:"ymin"`
	XMax             float64           `json:"xmax"`
	YMax             float64           `json:"ymax"`
	SpatialReference *SpatialReference `json:"spatialReference"`
}

// FieldInfo is one attribute field of a layer.
type FieldInfo struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Alias string `json:"alias"`
}

// LayerDetail is the per-layer metadata endpoint response. Only the field
// list is consumed.
type LayerDetail struct {
	ID     int         `json:"id"`
	Name   string      `json:"name"`
	Fields []FieldInfo `json:"fields"`
	Error  *ErrorInfo  `json:"error"`
}

// Geometry is the wire encoding of a feature geometry. The server uses a
// distinct shape per geometry kind: points carry x/y scalars, polylines a
// list of paths, polygons a list of rings. Exactly one of the three is set.
type Geometry struct {
	X     *float64      `json:"x,omitempty"`
	Y     *float64      `json:"y,omitempty"`
	Paths [][][]float64 `json:"paths,omitempty"`
	Rings [][][]float64 `json:"rings,omitempty"`
}

// Feature is one feature returned by a layer query.
type Feature struct {
	Attributes map[string]any `json:"attributes"`
	Geometry   *Geometry      `json:"geometry"`
}

// QueryResponse is the response of a per-layer feature query.
type QueryResponse struct {
	Features              []Feature   `json:"features"`
	Fields                []FieldInfo `json:"fields"`
	ExceededTransferLimit bool        `json:"exceededTransferLimit"`
	Error                 *ErrorInfo  `json:"error"`
}

// Envelope is a bounding-rectangle query geometry in geographic coordinates.
type Envelope struct {
	XMin             float64          `json:"xmin"`
	YMin             float64          `json:"ymin"`
	XMax             float64          `json:"xmax"`
	YMax             float64          `json:"ymax"`
	SpatialReference SpatialReference `json:"spatialReference"`
}

// MarshalParam renders the envelope as the JSON the query endpoint expects.
func (e Envelope) MarshalParam() string {
	b, _ := json.Marshal(e)
	return string(b)
}
