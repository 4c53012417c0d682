package hetzner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.hetzner.cloud/v1"

type Client struct {
	BaseURL string
	HTTP    *http.Client

	token string
}

func NewClient(token string) *Client {
	return &Client{
		BaseURL: defaultBaseURL,
		HTTP:    &http.Client{Timeout: 20 * time.Second},
		token:   token,
	}
}

// Server is the provider's server object, shared by list and get responses.
// Traffic counters are nil when the provider omits them.
type Server struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`

	OutgoingTraffic *int64 `json:"outgoing_traffic"`
	IngoingTraffic  *int64 `json:"ingoing_traffic"`

	ServerType struct {
		Name string `json:"name"`
	} `json:"server_type"`
	Datacenter struct {
		Location struct {
			Name string `json:"name"`
		} `json:"location"`
	} `json:"datacenter"`
	PublicNet struct {
		IPv4 *struct {
			IP string `json:"ip"`
		} `json:"ipv4"`
	} `json:"public_net"`
}

// IP returns the public IPv4 address, or empty when none is attached.
func (s *Server) IP() string {
	if s.PublicNet.IPv4 == nil {
		return ""
	}
	return s.PublicNet.IPv4.IP
}

// Image is a snapshot image usable for server creation.
type Image struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
	Created     string `json:"created"`
}

// CreateSpec describes the replacement server created during a rebuild.
type CreateSpec struct {
	Name             string `json:"name"`
	ServerType       string `json:"server_type"`
	Image            int64  `json:"image"`
	Location         string `json:"location"`
	StartAfterCreate bool   `json:"start_after_create"`
}

// MetricPoint is one (timestamp, value) sample from the traffic time series.
type MetricPoint struct {
	Time  time.Time
	Value float64
}

// Metrics holds the per-direction traffic rate series for one server.
type Metrics struct {
	Out []MetricPoint
	In  []MetricPoint
}

func (c *Client) ListServers(ctx context.Context) ([]Server, error) {
	b, err := c.do(ctx, http.MethodGet, "/servers", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Servers []Server `json:"servers"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out.Servers, nil
}

func (c *Client) GetServer(ctx context.Context, id int64) (*Server, error) {
	b, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/servers/%d", id), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Server *Server `json:"server"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	if out.Server == nil {
		return nil, fmt.Errorf("server %d not found", id)
	}
	return out.Server, nil
}

func (c *Client) DeleteServer(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/servers/%d", id), nil)
	return err
}

func (c *Client) CreateServer(ctx context.Context, spec CreateSpec) (*Server, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	b, err := c.do(ctx, http.MethodPost, "/servers", body)
	if err != nil {
		return nil, err
	}
	var out struct {
		Server *Server `json:"server"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	if out.Server == nil {
		return nil, fmt.Errorf("create server: empty response")
	}
	return out.Server, nil
}

// ListSnapshots returns all snapshot images, newest first.
func (c *Client) ListSnapshots(ctx context.Context) ([]Image, error) {
	b, err := c.do(ctx, http.MethodGet, "/images?type=snapshot", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Images []Image `json:"images"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	sort.Slice(out.Images, func(i, j int) bool { return out.Images[i].Created > out.Images[j].Created })
	return out.Images, nil
}

// GetServerMetrics fetches the traffic rate time series for [start, end].
func (c *Client) GetServerMetrics(ctx context.Context, id int64, start, end time.Time) (*Metrics, error) {
	q := url.Values{}
	q.Set("type", "traffic")
	q.Set("start", start.Format(time.RFC3339))
	q.Set("end", end.Format(time.RFC3339))
	b, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/servers/%d/metrics?%s", id, q.Encode()), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Metrics struct {
			TimeSeries map[string]struct {
				Values [][2]any `json:"values"`
			} `json:"time_series"`
		} `json:"metrics"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	m := &Metrics{}
	m.Out = parseSeries(out.Metrics.TimeSeries["traffic.0.out"].Values)
	m.In = parseSeries(out.Metrics.TimeSeries["traffic.0.in"].Values)
	return m, nil
}

func parseSeries(values [][2]any) []MetricPoint {
	points := make([]MetricPoint, 0, len(values))
	for _, v := range values {
		ts, ok := v[0].(float64)
		if !ok {
			continue
		}
		var val float64
		switch raw := v[1].(type) {
		case float64:
			val = raw
		case string:
			if _, err := fmt.Sscanf(raw, "%f", &val); err != nil {
				continue
			}
		default:
			continue
		}
		points = append(points, MetricPoint{Time: time.Unix(int64(ts), 0).UTC(), Value: val})
	}
	return points
}

func (c *Client) do(ctx context.Context, method, p string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+p, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		msg := strings.TrimSpace(string(b))
		if msg == "" {
			msg = res.Status
		}
		return nil, fmt.Errorf("hetzner api %s %s failed: %s", method, p, msg)
	}
	return b, nil
}
