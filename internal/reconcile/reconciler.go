// Package reconcile makes sure every member of a remote group has a local
// account attached to the site.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/metrics"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/model"
)

// AccountStore holds the site's local accounts.
type AccountStore interface {
	FindByLogin(ctx context.Context, login string) (*model.Account, error)
	CreateAccount(ctx context.Context, req model.NewAccount) (string, error)
	AttachToSite(ctx context.Context, accountID, role string) error
}

// Directory returns the login server's record for a user.
type Directory interface {
	FetchUserData(ctx context.Context, login string) (*model.RemoteUserData, error)
}

// Status is the reconciliation state of one member.
type Status string

const (
	StatusExisting    Status = "existing"
	StatusProvisioned Status = "provisioned"
	StatusNotLocal    Status = "not_local"
	StatusFailed      Status = "failed"
)

// ProvisioningError reports why a member has no local account.
type ProvisioningError struct {
	Login  string
	Reason string
	Err    error
}

func (e *ProvisioningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provision %s: %s: %v", e.Login, e.Reason, e.Err)
	}
	return fmt.Sprintf("provision %s: %s", e.Login, e.Reason)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Outcome is the result of reconciling a single member.
type Outcome struct {
	Member  model.Member
	Account *model.Account
	Status  Status
	Err     error
}

// DisplayName is the name shown for the member in listings.
func (o Outcome) DisplayName() string {
	if o.Account == nil {
		return o.Member.LoginName + " (not a site member)"
	}
	if o.Account.DisplayName != "" {
		return o.Account.DisplayName
	}
	return o.Account.Login
}

// Reconciler provisions local accounts for remote group members.
type Reconciler struct {
	accounts  AccountStore
	directory Directory
	role      string
	logger    *zap.Logger
	now       func() time.Time

	// mu serializes lookup-before-create so two runs in the same process
	// cannot both create an account for one login.
	mu sync.Mutex
}

// New returns a Reconciler that attaches new accounts with role.
func New(accounts AccountStore, directory Directory, role string, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		accounts:  accounts,
		directory: directory,
		role:      role,
		logger:    logger.Named("reconcile"),
		now:       time.Now,
	}
}

// Reconcile processes every member of record in order. A failure for one
// member is reported in its Outcome and never stops the run.
func (r *Reconciler) Reconcile(ctx context.Context, record *model.GroupRecord) []Outcome {
	if record == nil {
		return nil
	}
	outcomes := make([]Outcome, 0, len(record.Members))
	for _, m := range record.Members {
		outcomes = append(outcomes, r.ReconcileMember(ctx, m))
	}
	return outcomes
}

// ReconcileMember ensures member has a local account.
func (r *Reconciler) ReconcileMember(ctx context.Context, member model.Member) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.reconcile(ctx, member)
	metrics.MembersReconciledTotal.WithLabelValues(string(out.Status)).Inc()
	if out.Err != nil {
		r.logger.Warn("member not reconciled",
			zap.String("login", member.LoginName),
			zap.String("status", string(out.Status)),
			zap.Error(out.Err),
		)
	}
	return out
}

func (r *Reconciler) reconcile(ctx context.Context, member model.Member) Outcome {
	login := member.LoginName
	out := Outcome{Member: member}

	if login == "" {
		out.Status = StatusFailed
		out.Err = &ProvisioningError{Reason: "member has no login name"}
		return out
	}

	account, err := r.accounts.FindByLogin(ctx, login)
	if err != nil {
		out.Status = StatusFailed
		out.Err = &ProvisioningError{Login: login, Reason: "account lookup failed", Err: err}
		return out
	}
	if account != nil {
		return r.existing(ctx, out, account)
	}

	data, err := r.directory.FetchUserData(ctx, login)
	if err != nil {
		out.Status = StatusNotLocal
		out.Err = &ProvisioningError{Login: login, Reason: "user directory error", Err: err}
		return out
	}
	if data == nil || !data.Exists {
		out.Status = StatusNotLocal
		out.Err = &ProvisioningError{Login: login, Reason: "unknown to the user directory"}
		return out
	}

	name := data.UserLogin
	if name == "" {
		name = login
	}

	id, err := r.accounts.CreateAccount(ctx, model.NewAccount{
		Login:       name,
		Nicename:    name,
		Nickname:    name,
		DisplayName: name,
		Password:    data.UserPassword,
		Email:       data.UserEmail,
		Registered:  r.now(),
	})
	if errors.Is(err, model.ErrAccountExists) {
		account, lookupErr := r.accounts.FindByLogin(ctx, name)
		if lookupErr == nil && account != nil {
			return r.existing(ctx, out, account)
		}
		if lookupErr == nil {
			lookupErr = err
		}
		out.Status = StatusFailed
		out.Err = &ProvisioningError{Login: login, Reason: "account exists but cannot be read", Err: lookupErr}
		return out
	}
	if err != nil {
		out.Status = StatusFailed
		out.Err = &ProvisioningError{Login: login, Reason: "account creation failed", Err: err}
		return out
	}

	if err := r.accounts.AttachToSite(ctx, id, r.role); err != nil {
		out.Status = StatusFailed
		out.Err = &ProvisioningError{Login: login, Reason: "attach to site failed", Err: err}
		return out
	}

	r.logger.Info("account provisioned for group member",
		zap.String("login", name),
		zap.String("account_id", id),
		zap.String("role", r.role),
	)

	out.Account = &model.Account{ID: id, Login: name, Email: data.UserEmail, DisplayName: name, Enabled: true}
	out.Status = StatusProvisioned
	return out
}

// existing reports an account that is already present. Provisioned accounts
// are attached again; attaching is idempotent, so this repairs an account
// whose attach failed on an earlier run.
func (r *Reconciler) existing(ctx context.Context, out Outcome, account *model.Account) Outcome {
	out.Account = account
	out.Status = StatusExisting
	if !account.Provisioned {
		return out
	}
	if err := r.accounts.AttachToSite(ctx, account.ID, r.role); err != nil {
		out.Status = StatusFailed
		out.Err = &ProvisioningError{Login: out.Member.LoginName, Reason: "attach to site failed", Err: err}
	}
	return out
}
