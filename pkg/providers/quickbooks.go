// pkg/providers/quickbooks.go
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmespath/go-jmespath"

	"ledgerlink/pkg/credentials"
	"ledgerlink/pkg/tokens"
)

type Customer struct {
	ID          string `json:"Id"`
	DisplayName string `json:"DisplayName"`
	Email       string `json:"-"`
}

type Invoice struct {
	ID        string  `json:"Id"`
	DocNumber string  `json:"DocNumber"`
	Total     float64 `json:"TotalAmt"`
	Balance   float64 `json:"Balance"`
	CustomerID string `json:"-"`
}

type QuickBooksClient struct {
	base  string
	httpc *http.Client
}

func NewQuickBooks(ep Endpoints, env string) *QuickBooksClient {
	return &QuickBooksClient{base: ep.Base(env), httpc: &http.Client{Timeout: 15 * time.Second}}
}

func (c *QuickBooksClient) do(ctx context.Context, rec credentials.Record, method, path string, payload any) (any, error) {
	if rec.RealmID == "" {
		return nil, fmt.Errorf("quickbooks: record has no realm id")
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	full := fmt.Sprintf("%s/v3/company/%s%s", c.base, url.PathEscape(rec.RealmID), path)
	req, err := http.NewRequestWithContext(ctx, method, full, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+rec.QuickBooks.AccessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode == http.StatusUnauthorized || isAuthFault(raw) {
		return nil, fmt.Errorf("%w: quickbooks %s", tokens.ErrUnauthorized, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("quickbooks %s: status %d", path, resp.StatusCode)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("quickbooks %s: %v", path, err)
	}
	return doc, nil
}

// isAuthFault catches the 3200-series authentication faults QuickBooks
// sometimes returns with a 403 instead of a plain 401.
func isAuthFault(body []byte) bool {
	var fault struct {
		Fault struct {
			Error []struct {
				Code string `json:"code"`
			} `json:"Error"`
		} `json:"Fault"`
	}
	if err := json.Unmarshal(body, &fault); err != nil {
		return false
	}
	for _, e := range fault.Fault.Error {
		if strings.HasPrefix(e.Code, "3200") {
			return true
		}
	}
	return false
}

// extract normalizes the varying response nesting at the client
// boundary. Query results arrive under QueryResponse.<Entity>, single
// reads under <Entity> alone; call sites only ever see one shape.
func extract(doc any, entity string) ([]any, error) {
	for _, expr := range []string{"QueryResponse." + entity, entity} {
		v, err := jmespath.Search(expr, doc)
		if err != nil || v == nil {
			continue
		}
		switch t := v.(type) {
		case []any:
			return t, nil
		default:
			return []any{t}, nil
		}
	}
	return nil, nil
}

func decodeInto(item any, out any) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (c *QuickBooksClient) query(ctx context.Context, rec credentials.Record, q, entity string) ([]any, error) {
	doc, err := c.do(ctx, rec, http.MethodGet, "/query?query="+url.QueryEscape(q)+"&minorversion=65", nil)
	if err != nil {
		return nil, err
	}
	return extract(doc, entity)
}

// FindCustomerByName looks a customer up by display name.
func (c *QuickBooksClient) FindCustomerByName(ctx context.Context, rec credentials.Record, name string) (*Customer, error) {
	items, err := c.query(ctx, rec,
		"SELECT * FROM Customer WHERE DisplayName = '"+strings.ReplaceAll(name, "'", "\\'")+"'", "Customer")
	if err != nil || len(items) == 0 {
		return nil, err
	}
	var cust Customer
	if err := decodeInto(items[0], &cust); err != nil {
		return nil, err
	}
	return &cust, nil
}

// ReadCustomer fetches one customer by id.
func (c *QuickBooksClient) ReadCustomer(ctx context.Context, rec credentials.Record, id string) (*Customer, error) {
	doc, err := c.do(ctx, rec, http.MethodGet, "/customer/"+url.PathEscape(id)+"?minorversion=65", nil)
	if err != nil {
		return nil, err
	}
	items, err := extract(doc, "Customer")
	if err != nil || len(items) == 0 {
		return nil, fmt.Errorf("quickbooks: customer %s not found", id)
	}
	var cust Customer
	if err := decodeInto(items[0], &cust); err != nil {
		return nil, err
	}
	return &cust, nil
}

// CreateCustomer inserts a new customer and returns it with its id.
func (c *QuickBooksClient) CreateCustomer(ctx context.Context, rec credentials.Record, cust Customer) (*Customer, error) {
	payload := map[string]any{"DisplayName": cust.DisplayName}
	if cust.Email != "" {
		payload["PrimaryEmailAddr"] = map[string]any{"Address": cust.Email}
	}
	doc, err := c.do(ctx, rec, http.MethodPost, "/customer?minorversion=65", payload)
	if err != nil {
		return nil, err
	}
	items, err := extract(doc, "Customer")
	if err != nil || len(items) == 0 {
		return nil, fmt.Errorf("quickbooks: create customer returned no entity")
	}
	var created Customer
	if err := decodeInto(items[0], &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// PaidInvoicesSince lists invoices fully paid after the given time.
func (c *QuickBooksClient) PaidInvoicesSince(ctx context.Context, rec credentials.Record, since time.Time) ([]Invoice, error) {
	q := fmt.Sprintf("SELECT * FROM Invoice WHERE Balance = '0' AND MetaData.LastUpdatedTime > '%s'", since.UTC().Format(time.RFC3339))
	items, err := c.query(ctx, rec, q, "Invoice")
	if err != nil {
		return nil, err
	}
	out := make([]Invoice, 0, len(items))
	for _, item := range items {
		var inv Invoice
		if err := decodeInto(item, &inv); err != nil {
			return nil, err
		}
		if ref, err := jmespath.Search("CustomerRef.value", item); err == nil {
			if s, ok := ref.(string); ok {
				inv.CustomerID = s
			}
		}
		out = append(out, inv)
	}
	return out, nil
}
