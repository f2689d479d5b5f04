// pkg/providers/shipstation.go
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ledgerlink/pkg/credentials"
)

// ShipOrder is the minimal order we push to fulfillment after an
// invoice is paid.
type ShipOrder struct {
	OrderNumber  string
	OrderDate    time.Time
	CustomerName string
	AmountPaid   float64
}

// ShipStationClient authenticates with the installation-wide key pair,
// not per-tenant OAuth.
type ShipStationClient struct {
	base  string
	httpc *http.Client
}

func NewShipStation(ep Endpoints) *ShipStationClient {
	return &ShipStationClient{base: ep.APIBase, httpc: &http.Client{Timeout: 15 * time.Second}}
}

// CreateOrder submits an order. Idempotent on orderNumber: ShipStation
// upserts by that field, so re-polling the same paid invoice is safe.
func (c *ShipStationClient) CreateOrder(ctx context.Context, creds credentials.ShippingCredentials, order ShipOrder) error {
	payload := map[string]any{
		"orderNumber": order.OrderNumber,
		"orderDate":   order.OrderDate.Format("2006-01-02T15:04:05"),
		"orderStatus": "awaiting_shipment",
		"amountPaid":  order.AmountPaid,
		"billTo":      map[string]any{"name": order.CustomerName},
		"shipTo":      map[string]any{"name": order.CustomerName},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/orders/createorder", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.SetBasicAuth(creds.APIKey, creds.APISecret)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("shipstation createorder: status %d", resp.StatusCode)
	}
	return nil
}
