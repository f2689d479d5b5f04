// pkg/providers/pipedrive.go
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ledgerlink/pkg/credentials"
	"ledgerlink/pkg/tokens"
)

// Person is the CRM-side contact we sync into QuickBooks.
type Person struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	OrgID int    `json:"org_id"`
}

type PipedriveClient struct {
	base  string
	httpc *http.Client
}

func NewPipedrive(ep Endpoints) *PipedriveClient {
	return &PipedriveClient{base: ep.APIBase, httpc: &http.Client{Timeout: 15 * time.Second}}
}

func (c *PipedriveClient) do(ctx context.Context, rec credentials.Record, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+rec.Pipedrive.AccessToken)
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: pipedrive %s", tokens.ErrUnauthorized, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pipedrive %s: status %d", path, resp.StatusCode)
	}
	// Pipedrive wraps every payload in {"success":..,"data":..}.
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("pipedrive %s: %v", path, err)
	}
	if out != nil && len(envelope.Data) > 0 {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}

// GetPerson fetches one contact.
func (c *PipedriveClient) GetPerson(ctx context.Context, rec credentials.Record, id int) (Person, error) {
	// The persons payload nests email as a list of labeled values.
	var raw struct {
		ID    int    `json:"id"`
		Name  string `json:"name"`
		OrgID int    `json:"org_id"`
		Email []struct {
			Value   string `json:"value"`
			Primary bool   `json:"primary"`
		} `json:"email"`
	}
	if err := c.do(ctx, rec, http.MethodGet, fmt.Sprintf("/persons/%d", id), &raw); err != nil {
		return Person{}, err
	}
	p := Person{ID: raw.ID, Name: raw.Name, OrgID: raw.OrgID}
	for _, e := range raw.Email {
		if p.Email == "" || e.Primary {
			p.Email = e.Value
		}
	}
	return p, nil
}

// CurrentUser returns the authorizing user; the connect flow stores its
// numeric id as the tenant's alternate identifier.
func (c *PipedriveClient) CurrentUser(ctx context.Context, rec credentials.Record) (id int, companyDomain string, err error) {
	var raw struct {
		ID            int    `json:"id"`
		CompanyDomain string `json:"company_domain"`
	}
	if err := c.do(ctx, rec, http.MethodGet, "/users/me", &raw); err != nil {
		return 0, "", err
	}
	return raw.ID, raw.CompanyDomain, nil
}
