// Package groups accepts, revokes and resolves the remote groups this site
// is synced with.
package groups

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/metrics"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/model"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/remote"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/store"
	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/token"
)

// IdentityProvider returns the login name of the acting admin.
type IdentityProvider interface {
	CurrentAdmin(ctx context.Context) (string, error)
}

// SiteProvider returns this site's canonical URLs and name.
type SiteProvider interface {
	SiteInfo(ctx context.Context) (model.SiteInfo, error)
}

// Remote talks to group hosts. remote.Client implements it.
type Remote interface {
	GetGroup(ctx context.Context, baseURL, admin, groupID string) (*model.GroupRecord, error)
	AddBlog(ctx context.Context, baseURL string, payload remote.AddBlogPayload) (json.RawMessage, error)
}

// StaticSite is a SiteProvider backed by fixed configuration.
type StaticSite model.SiteInfo

// SiteInfo returns the configured site metadata.
func (s StaticSite) SiteInfo(_ context.Context) (model.SiteInfo, error) {
	return model.SiteInfo(s), nil
}

// AcceptResult is the outcome of a successful accept. NotifyErr is set when
// the group host did not acknowledge the site; the group stays accepted.
type AcceptResult struct {
	Reference token.Reference
	Record    *model.GroupRecord
	Ack       json.RawMessage
	NotifyErr error
}

// Entry is one stored group code and its resolution.
type Entry struct {
	Token  string
	Record *model.GroupRecord
	Err    error
}

// Placeholder returns a record standing in for a group that could not be
// resolved. Its name is the error message.
func (e Entry) Placeholder() *model.GroupRecord {
	return &model.GroupRecord{
		Info:    model.GroupInfo{Name: placeholderName(e.Err)},
		Members: []model.Member{},
	}
}

func placeholderName(err error) string {
	if re, ok := remote.AsError(err); ok && re.Message != "" {
		return re.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Service manages the stored group codes.
type Service struct {
	store    store.Store
	remote   Remote
	identity IdentityProvider
	site     SiteProvider
	logger   *zap.Logger

	// mu serializes read-modify-write cycles on the store.
	mu sync.Mutex
}

// NewService returns a group Service.
func NewService(s store.Store, r Remote, identity IdentityProvider, site SiteProvider, logger *zap.Logger) *Service {
	return &Service{
		store:    s,
		remote:   r,
		identity: identity,
		site:     site,
		logger:   logger.Named("groups"),
	}
}

// Resolve decodes code and fetches the group it references.
func (s *Service) Resolve(ctx context.Context, code string) (*model.GroupRecord, error) {
	ref, err := token.Decode(code)
	if err != nil {
		return nil, err
	}
	return s.resolve(ctx, ref)
}

func (s *Service) resolve(ctx context.Context, ref token.Reference) (*model.GroupRecord, error) {
	admin, err := s.identity.CurrentAdmin(ctx)
	if err != nil {
		return nil, fmt.Errorf("identify admin: %w", err)
	}
	return s.remote.GetGroup(ctx, ref.URL, admin, ref.GroupID)
}

// Accept validates code against its group host and stores it. A rejected
// code is removed from the store. Once stored, the host is notified; a
// failed notification is reported in the result and does not undo the
// accept. Surrounding whitespace is not part of the stored code.
func (s *Service) Accept(ctx context.Context, code string) (*AcceptResult, error) {
	code = strings.TrimSpace(code)
	ref, err := token.Decode(code)
	if err != nil {
		metrics.GroupsAcceptedTotal.WithLabelValues("malformed").Inc()
		return nil, err
	}

	record, err := s.resolve(ctx, ref)
	if err != nil {
		if remote.IsRejected(err) {
			metrics.GroupsAcceptedTotal.WithLabelValues("rejected").Inc()
			s.logger.Info("group code rejected by group host",
				zap.String("group_id", ref.GroupID),
				zap.String("url", ref.URL),
				zap.String("message", remote.Message(err)),
			)
			if rerr := s.Revoke(ctx, code); rerr != nil {
				s.logger.Error("failed to remove rejected group code", zap.Error(rerr))
			}
		} else {
			metrics.GroupsAcceptedTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	if err := s.mutate(ctx, func(set *store.TokenSet) bool { return set.Add(code) }); err != nil {
		metrics.GroupsAcceptedTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("store group code: %w", err)
	}

	metrics.GroupsAcceptedTotal.WithLabelValues("accepted").Inc()
	s.logger.Info("group accepted",
		zap.String("group_id", ref.GroupID),
		zap.String("url", ref.URL),
		zap.String("name", record.Info.Name),
		zap.Int("members", len(record.Members)),
	)

	result := &AcceptResult{Reference: ref, Record: record}
	result.Ack, result.NotifyErr = s.notify(ctx, ref)
	if result.NotifyErr != nil {
		s.logger.Warn("group host was not notified",
			zap.String("group_id", ref.GroupID),
			zap.String("url", ref.URL),
			zap.Error(result.NotifyErr),
		)
	}
	return result, nil
}

func (s *Service) notify(ctx context.Context, ref token.Reference) (json.RawMessage, error) {
	site, err := s.site.SiteInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("site info: %w", err)
	}
	return s.remote.AddBlog(ctx, ref.URL, remote.NewAddBlogPayload(site, ref.GroupID))
}

// Revoke removes code from the store. Removing an unknown code is not an
// error.
func (s *Service) Revoke(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	return s.mutate(ctx, func(set *store.TokenSet) bool { return set.Remove(code) })
}

// mutate loads the set, applies fn and saves when fn reports a change.
func (s *Service) mutate(ctx context.Context, fn func(*store.TokenSet) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load group codes: %w", err)
	}
	if !fn(set) {
		return nil
	}
	if err := s.store.Save(ctx, set); err != nil {
		return fmt.Errorf("save group codes: %w", err)
	}
	metrics.TrackedGroupsTotal.Set(float64(set.Len()))
	return nil
}

// ListGroups resolves every stored code in store order. A code that cannot
// be resolved yields an Entry with Err set; the others are still resolved.
func (s *Service) ListGroups(ctx context.Context) ([]Entry, error) {
	set, err := s.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load group codes: %w", err)
	}

	codes := set.Tokens()
	entries := make([]Entry, 0, len(codes))
	for _, code := range codes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := s.Resolve(ctx, code)
		if err != nil {
			s.logger.Warn("group could not be resolved", zap.Error(err))
		}
		entries = append(entries, Entry{Token: code, Record: record, Err: err})
	}
	return entries, nil
}

// Count returns the number of stored codes.
func (s *Service) Count(ctx context.Context) (int, error) {
	set, err := s.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load group codes: %w", err)
	}
	return set.Len(), nil
}

// IsMalformed reports whether err is a malformed group code.
func IsMalformed(err error) bool {
	return errors.Is(err, token.ErrMalformed)
}
