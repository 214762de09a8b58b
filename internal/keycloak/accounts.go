package keycloak

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Nerzal/gocloak/v13"
	"go.uber.org/zap"

	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/metrics"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/model"
)

// Attributes written on provisioned accounts.
const (
	attrNickname    = "nickname"
	attrNicename    = "nicename"
	attrDisplayName = "display_name"
	attrRegistered  = "registered"
	attrSource      = "source"

	sourceRemoteGroup = "remote-group"
)

// FindByLogin returns the account with the given username, or nil when none
// exists.
func (c *Client) FindByLogin(ctx context.Context, login string) (*model.Account, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	users, err := c.gc.GetUsers(ctx, token, c.cfg.KeycloakRealm, gocloak.GetUsersParams{
		Username: gocloak.StringP(login),
		Exact:    gocloak.BoolP(true),
	})
	if err != nil {
		metrics.KeycloakErrorsTotal.WithLabelValues("find_user").Inc()
		return nil, fmt.Errorf("find user %s: %w", login, err)
	}

	metrics.KeycloakRequestsTotal.WithLabelValues("find_user", "success").Inc()

	// Keycloak stores usernames lower-cased.
	for _, u := range users {
		if u.Username != nil && strings.EqualFold(*u.Username, login) {
			account := mapAccount(u)
			return &account, nil
		}
	}
	return nil, nil
}

// CreateAccount creates an enabled account and sets its password. A username
// conflict is reported as model.ErrAccountExists. If the password cannot be
// set the account is deleted again.
func (c *Client) CreateAccount(ctx context.Context, req model.NewAccount) (string, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return "", err
	}

	attrs := map[string][]string{
		attrNickname:    {req.Nickname},
		attrNicename:    {req.Nicename},
		attrDisplayName: {req.DisplayName},
		attrRegistered:  {req.Registered.UTC().Format(time.DateTime)},
		attrSource:      {sourceRemoteGroup},
	}

	user := gocloak.User{
		Username:   gocloak.StringP(req.Login),
		Enabled:    gocloak.BoolP(true),
		Attributes: &attrs,
	}
	if req.Email != "" {
		user.Email = gocloak.StringP(req.Email)
	}

	userID, err := c.gc.CreateUser(ctx, token, c.cfg.KeycloakRealm, user)
	if err != nil {
		var apiErr *gocloak.APIError
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
			metrics.KeycloakRequestsTotal.WithLabelValues("create_user", "conflict").Inc()
			return "", fmt.Errorf("create user %s: %w", req.Login, model.ErrAccountExists)
		}
		metrics.KeycloakErrorsTotal.WithLabelValues("create_user").Inc()
		return "", fmt.Errorf("create user %s: %w", req.Login, err)
	}

	metrics.KeycloakRequestsTotal.WithLabelValues("create_user", "success").Inc()

	if req.Password != "" {
		if err := c.gc.SetPassword(ctx, token, userID, c.cfg.KeycloakRealm, req.Password, false); err != nil {
			metrics.KeycloakErrorsTotal.WithLabelValues("set_password").Inc()
			if delErr := c.gc.DeleteUser(ctx, token, c.cfg.KeycloakRealm, userID); delErr != nil {
				metrics.KeycloakErrorsTotal.WithLabelValues("delete_user").Inc()
				c.logger.Error("failed to remove account without password",
					zap.String("user_id", userID),
					zap.String("username", req.Login),
					zap.Error(delErr),
				)
			}
			return "", fmt.Errorf("set initial password for %s: %w", req.Login, err)
		}
		metrics.KeycloakRequestsTotal.WithLabelValues("set_password", "success").Inc()
	}

	c.logger.Info("account provisioned",
		zap.String("user_id", userID),
		zap.String("username", req.Login),
	)

	return userID, nil
}

// AttachToSite grants the account the given realm role and, when a site
// group is configured, adds it to that group.
func (c *Client) AttachToSite(ctx context.Context, accountID, role string) error {
	token, err := c.Token(ctx)
	if err != nil {
		return err
	}

	r, err := c.gc.GetRealmRole(ctx, token, c.cfg.KeycloakRealm, role)
	if err != nil {
		metrics.KeycloakErrorsTotal.WithLabelValues("get_realm_role").Inc()
		return fmt.Errorf("get role %s: %w", role, err)
	}

	if err := c.gc.AddRealmRoleToUser(ctx, token, c.cfg.KeycloakRealm, accountID, []gocloak.Role{*r}); err != nil {
		metrics.KeycloakErrorsTotal.WithLabelValues("assign_roles").Inc()
		return fmt.Errorf("assign role %s: %w", role, err)
	}

	metrics.KeycloakRequestsTotal.WithLabelValues("assign_roles", "success").Inc()

	if c.cfg.SiteGroup == "" {
		return nil
	}

	groupID, err := c.siteGroup(ctx, token)
	if err != nil {
		return err
	}

	if err := c.gc.AddUserToGroup(ctx, token, c.cfg.KeycloakRealm, accountID, groupID); err != nil {
		metrics.KeycloakErrorsTotal.WithLabelValues("add_user_to_group").Inc()
		return fmt.Errorf("add user to site group: %w", err)
	}

	metrics.KeycloakRequestsTotal.WithLabelValues("add_user_to_group", "success").Inc()
	return nil
}

// siteGroup resolves and caches the id of the configured site group.
func (c *Client) siteGroup(ctx context.Context, token string) (string, error) {
	c.siteGroupMu.Lock()
	defer c.siteGroupMu.Unlock()

	if c.siteGroupID != "" {
		return c.siteGroupID, nil
	}

	path := c.cfg.SiteGroup
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	g, err := c.gc.GetGroupByPath(ctx, token, c.cfg.KeycloakRealm, path)
	if err != nil {
		metrics.KeycloakErrorsTotal.WithLabelValues("get_group").Inc()
		return "", fmt.Errorf("get site group %s: %w", path, err)
	}
	if g.ID == nil {
		return "", fmt.Errorf("site group %s has no id", path)
	}

	metrics.KeycloakRequestsTotal.WithLabelValues("get_group", "success").Inc()

	c.siteGroupID = *g.ID
	return c.siteGroupID, nil
}

// CountAccounts returns the total number of users in the realm.
func (c *Client) CountAccounts(ctx context.Context) (int, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return 0, err
	}

	count, err := c.gc.GetUserCount(ctx, token, c.cfg.KeycloakRealm, gocloak.GetUsersParams{})
	if err != nil {
		metrics.KeycloakErrorsTotal.WithLabelValues("count_users").Inc()
		return 0, fmt.Errorf("count users: %w", err)
	}

	metrics.KeycloakRequestsTotal.WithLabelValues("count_users", "success").Inc()
	return count, nil
}

// mapAccount converts a GoCloak user to our model.
func mapAccount(u *gocloak.User) model.Account {
	account := model.Account{
		Enabled: derefBool(u.Enabled),
	}
	if u.ID != nil {
		account.ID = *u.ID
	}
	if u.Username != nil {
		account.Login = *u.Username
		account.DisplayName = *u.Username
	}
	if u.Email != nil {
		account.Email = *u.Email
	}
	if u.CreatedTimestamp != nil {
		account.CreatedAt = *u.CreatedTimestamp
	}
	if u.Attributes != nil {
		if v := (*u.Attributes)[attrDisplayName]; len(v) > 0 && v[0] != "" {
			account.DisplayName = v[0]
		}
		if v := (*u.Attributes)[attrSource]; len(v) > 0 && v[0] == sourceRemoteGroup {
			account.Provisioned = true
		}
	}
	return account
}

func derefBool(b *bool) bool {
	if b == nil {
		return false
	}
	return *b
}
