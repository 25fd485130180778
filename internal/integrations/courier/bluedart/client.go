package bluedart

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quicktrail/shipwatch/internal/integrations/courier"
	"github.com/quicktrail/shipwatch/internal/models"
	"github.com/quicktrail/shipwatch/internal/status"
)

// Bluedart supports multi-waybill lookup: all AWBs go in one call and the
// response is demultiplexed by waybill number. Auth is a short-lived
// bearer token exchanged for the license key; the token is cached
// in-process with an explicit expiry.
type Client struct {
	baseURL    string
	licenseKey string
	loginID    string
	httpc      *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(baseURL, licenseKey, loginID string) *Client {
	if baseURL == "" {
		baseURL = "https://apigateway.bluedart.com"
	}
	return &Client{
		baseURL:    baseURL,
		licenseKey: licenseKey,
		loginID:    loginID,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) Source() string { return models.SourceBluedart }

type authResp struct {
	JWTToken  string `json:"JWTToken"`
	ExpiresIn int    `json:"ExpiresInSeconds"`
}

func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// 30s slack so a token never expires mid-request.
	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-30*time.Second)) {
		return c.token, nil
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", errors.Wrap(err, "parse base url")
	}
	u.Path = "/in/transportation/token/v1/login"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", errors.Wrap(err, "new auth request")
	}
	req.Header.Set("ClientID", c.loginID)
	req.Header.Set("ClientSecret", c.licenseKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "auth request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("bluedart auth http %d", resp.StatusCode)
	}

	var ar authResp
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return "", errors.Wrap(err, "decode auth")
	}
	if ar.JWTToken == "" {
		return "", errors.New("bluedart auth: empty token")
	}

	ttl := time.Duration(ar.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	c.token = ar.JWTToken
	c.tokenExpiry = time.Now().Add(ttl)
	return c.token, nil
}

type trackResp struct {
	Shipments []struct {
		WaybillNo  string `json:"WaybillNo"`
		Courier    string `json:"Courier"`
		Status     string `json:"Status"`
		StatusType string `json:"StatusType"`
		StatusDate string `json:"StatusDate"` // legacy "02-Jan-06"
		StatusTime string `json:"StatusTime"` // legacy "1504"
		Scans      []struct {
			Scan            string `json:"Scan"`
			ScanType        string `json:"ScanType"`
			ScanDate        string `json:"ScanDate"`
			ScanTime        string `json:"ScanTime"`
			ScannedLocation string `json:"ScannedLocation"`
			Remarks         string `json:"Remarks"`
		} `json:"Scans"`
	} `json:"Shipments"`
}

func (c *Client) Fetch(ctx context.Context, awbs []string) (map[string]courier.Observation, error) {
	if len(awbs) == 0 {
		return map[string]courier.Observation{}, nil
	}

	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	u.Path = "/in/transportation/tracking/v1/shipment"
	q := u.Query()
	q.Set("numbers", strings.Join(awbs, ","))
	q.Set("format", "json")
	q.Set("scan", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("JWTToken", token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// Token revoked server-side; drop the cache so the next pass
		// re-authenticates.
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return nil, fmt.Errorf("bluedart http %d", resp.StatusCode)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("bluedart http %d", resp.StatusCode)
	}

	var tr trackResp
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, errors.Wrap(err, "decode")
	}

	out := make(map[string]courier.Observation, len(tr.Shipments))
	for _, sh := range tr.Shipments {
		if sh.WaybillNo == "" || sh.Status == "" {
			continue
		}

		obs := courier.Observation{
			Source:          models.SourceBluedart,
			Courier:         sh.Courier,
			RawStatusText:   sh.Status,
			StatusCode:      sh.StatusType,
			CanonicalStatus: status.Normalize(models.SourceBluedart, sh.StatusType, sh.Status),
		}
		if obs.Courier == "" {
			obs.Courier = "Blue Dart"
		}
		if t, ok := parseLegacyDateTime(sh.StatusDate, sh.StatusTime); ok {
			obs.StatusAt = &t
		}

		for _, sc := range sh.Scans {
			scan := courier.Scan{
				CanonicalStatus: status.Normalize(models.SourceBluedart, sc.ScanType, sc.Scan),
				RawStatusText:   sc.Scan,
				Location:        strPtr(sc.ScannedLocation),
				Remarks:         strPtr(sc.Remarks),
			}
			if t, ok := parseLegacyDateTime(sc.ScanDate, sc.ScanTime); ok {
				scan.ScanTime = t
			} else {
				scan.ScanTime = time.Now().UTC()
			}
			obs.Scans = append(obs.Scans, scan)
		}

		out[sh.WaybillNo] = obs
	}
	return out, nil
}

// parseLegacyDateTime handles Bluedart's "02-Jan-06" dates with a separate
// "1504" 24h time field. The encoding never leaves this package.
func parseLegacyDateTime(d, tm string) (time.Time, bool) {
	if d == "" {
		return time.Time{}, false
	}
	layout := "02-Jan-06"
	if len(d) > len("02-Jan-06") {
		layout = "02-Jan-2006"
	}
	day, err := time.ParseInLocation(layout, d, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	if len(tm) == 4 {
		if hm, err := time.Parse("1504", tm); err == nil {
			day = day.Add(time.Duration(hm.Hour())*time.Hour + time.Duration(hm.Minute())*time.Minute)
		}
	}
	return day, true
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
