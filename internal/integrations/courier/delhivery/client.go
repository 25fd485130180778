package delhivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quicktrail/shipwatch/internal/integrations/courier"
	"github.com/quicktrail/shipwatch/internal/models"
	"github.com/quicktrail/shipwatch/internal/status"
)

// Delhivery only supports single-waybill lookup, so Fetch issues one call
// per AWB, fanned out over a bounded pool. A failed item is logged and
// skipped; the rest of the batch still resolves.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "https://track.delhivery.com"
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) Source() string { return models.SourceDelhivery }

type packageResp struct {
	ShipmentData []struct {
		Shipment struct {
			AWB    string `json:"AWB"`
			Status struct {
				Status         string `json:"Status"`
				StatusType     string `json:"StatusType"`
				StatusDateTime string `json:"StatusDateTime"`
				StatusLocation string `json:"StatusLocation"`
			} `json:"Status"`
			Scans []struct {
				ScanDetail struct {
					Scan            string `json:"Scan"`
					ScanType        string `json:"ScanType"`
					ScanDateTime    string `json:"ScanDateTime"`
					ScannedLocation string `json:"ScannedLocation"`
					Instructions    string `json:"Instructions"`
				} `json:"ScanDetail"`
			} `json:"Scans"`
		} `json:"Shipment"`
	} `json:"ShipmentData"`
}

// fetchConcurrency caps in-flight requests per batch so a large due set
// does not hammer the provider.
const fetchConcurrency = 8

func (c *Client) Fetch(ctx context.Context, awbs []string) (map[string]courier.Observation, error) {
	out := make(map[string]courier.Observation, len(awbs))
	var mu sync.Mutex

	sem := make(chan struct{}, fetchConcurrency)
	var wg sync.WaitGroup
	for _, awb := range awbs {
		sem <- struct{}{}
		wg.Add(1)
		awbCopy := awb
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			obs, err := c.fetchOne(ctx, awbCopy)
			if err != nil {
				slog.Warn("delhivery lookup failed", "awb", awbCopy, "error", err.Error())
				return
			}
			mu.Lock()
			out[awbCopy] = obs
			mu.Unlock()
		}()
	}
	wg.Wait()

	return out, nil
}

func (c *Client) fetchOne(ctx context.Context, awb string) (courier.Observation, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return courier.Observation{}, errors.Wrap(err, "parse base url")
	}
	u.Path = "/api/v1/packages/json/"
	q := u.Query()
	q.Set("waybill", awb)
	q.Set("token", c.token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return courier.Observation{}, errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return courier.Observation{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return courier.Observation{}, fmt.Errorf("delhivery http %d", resp.StatusCode)
	}

	var pr packageResp
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return courier.Observation{}, errors.Wrap(err, "decode")
	}
	if len(pr.ShipmentData) == 0 {
		return courier.Observation{}, errors.New("no shipment data")
	}

	sh := pr.ShipmentData[0].Shipment
	if sh.Status.Status == "" {
		return courier.Observation{}, errors.New("empty status")
	}

	obs := courier.Observation{
		Source:          models.SourceDelhivery,
		Courier:         "Delhivery",
		RawStatusText:   sh.Status.Status,
		StatusCode:      sh.Status.StatusType,
		CanonicalStatus: status.Normalize(models.SourceDelhivery, sh.Status.StatusType, sh.Status.Status),
	}
	if t, ok := parseTime(sh.Status.StatusDateTime); ok {
		obs.StatusAt = &t
	}

	for _, sc := range sh.Scans {
		d := sc.ScanDetail
		scan := courier.Scan{
			CanonicalStatus: status.Normalize(models.SourceDelhivery, d.ScanType, d.Scan),
			RawStatusText:   d.Scan,
			Location:        strPtr(d.ScannedLocation),
			Remarks:         strPtr(d.Instructions),
		}
		if t, ok := parseTime(d.ScanDateTime); ok {
			scan.ScanTime = t
		} else {
			scan.ScanTime = time.Now().UTC()
		}
		obs.Scans = append(obs.Scans, scan)
	}
	return obs, nil
}

// Delhivery timestamps come without a zone and mean IST.
func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ist := time.FixedZone("IST", 5*3600+1800)
	for _, layout := range []string{"2006-01-02T15:04:05.999999", "2006-01-02T15:04:05", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, ist); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
