// internal/clients/identity_client.go
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"foodrescue/internal/apperr"
	"foodrescue/internal/geo"
	"foodrescue/internal/identity"

	"github.com/google/uuid"
)

// IdentityClient reads members from a remote account service.
type IdentityClient struct {
	baseURL string
	http    *http.Client
}

var _ identity.Directory = (*IdentityClient)(nil)

func NewIdentityClient(baseURL string, timeout time.Duration) *IdentityClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &IdentityClient{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

func (c *IdentityClient) GetMember(ctx context.Context, id uuid.UUID) (*identity.Member, error) {
	var member identity.Member
	if err := c.get(ctx, fmt.Sprintf("%s/members/%s", c.baseURL, id), &member); err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return nil, identity.ErrUnknownUser(id)
		}
		return nil, err
	}
	return &member, nil
}

func (c *IdentityClient) RoleOf(ctx context.Context, userID uuid.UUID) (identity.Role, error) {
	m, err := c.GetMember(ctx, userID)
	if err != nil {
		return "", err
	}
	return m.Role, nil
}

func (c *IdentityClient) IsVerified(ctx context.Context, userID uuid.UUID) (bool, error) {
	m, err := c.GetMember(ctx, userID)
	if err != nil {
		return false, err
	}
	return m.Verified, nil
}

func (c *IdentityClient) LocationOf(ctx context.Context, userID uuid.UUID) (*geo.Point, error) {
	m, err := c.GetMember(ctx, userID)
	if err != nil {
		return nil, err
	}
	return m.Location, nil
}

func (c *IdentityClient) WatchersOf(ctx context.Context, foodType string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	u := fmt.Sprintf("%s/watchers?food_type=%s", c.baseURL, url.QueryEscape(foodType))
	if err := c.get(ctx, u, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *IdentityClient) get(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "build identity request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "identity service unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperr.New(apperr.NotFound, "not found")
	case resp.StatusCode != http.StatusOK:
		return apperr.New(apperr.Internal, "identity service: unexpected status code: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.Internal, err, "decode identity response")
	}
	return nil
}
