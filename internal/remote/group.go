package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/derhornspieler/rke2-cluster/operators/group-sync/internal/model"
)

// Commands understood by group hosts.
const (
	CmdGetGroup = "get_group"
	CmdAddBlog  = "add_blog"
)

type getGroupPayload struct {
	Admin   string `json:"admin"`
	GroupID string `json:"group_id"`
}

// AddBlogPayload tells a group host that this site accepted the membership.
type AddBlogPayload struct {
	SiteURL     string `json:"site_url"`
	FeedURL     string `json:"feed_url"`
	CommentsURL string `json:"comments_url"`
	BlogName    string `json:"blogname"`
	Success     bool   `json:"success"`
	GroupID     string `json:"group_id"`
}

// NewAddBlogPayload builds the add_blog payload for a group.
func NewAddBlogPayload(site model.SiteInfo, groupID string) AddBlogPayload {
	return AddBlogPayload{
		SiteURL:     site.SiteURL,
		FeedURL:     site.FeedURL,
		CommentsURL: site.CommentsURL,
		BlogName:    site.Name,
		Success:     true,
		GroupID:     groupID,
	}
}

// GetGroup asks the group host for a group's details and member list on
// behalf of admin.
func (c *Client) GetGroup(ctx context.Context, baseURL, admin, groupID string) (*model.GroupRecord, error) {
	raw, err := c.CallRemote(ctx, baseURL, CmdGetGroup, getGroupPayload{Admin: admin, GroupID: groupID})
	if err != nil {
		return nil, err
	}
	return parseGroupRecord(raw)
}

// AddBlog notifies the group host that the site accepted the group. The
// acknowledgement is returned as sent by the host.
func (c *Client) AddBlog(ctx context.Context, baseURL string, payload AddBlogPayload) (json.RawMessage, error) {
	return c.CallRemote(ctx, baseURL, CmdAddBlog, payload)
}

// wireMember accepts both the current and the legacy spelling of the
// profile link.
type wireMember struct {
	LoginName  string `json:"login_name"`
	ProfileURL string `json:"profile_url"`
	ProfilURL  string `json:"profil_url"`
}

type wireGroup struct {
	Info    *model.GroupInfo `json:"info"`
	Members *[]wireMember    `json:"members"`
	Member  *[]wireMember    `json:"member"`
	Message *string          `json:"message"`
}

func parseGroupRecord(raw json.RawMessage) (*model.GroupRecord, error) {
	malformed := func(msg string, err error) error {
		return &Error{Kind: KindMalformedResponse, Command: CmdGetGroup, Message: msg, Err: err}
	}

	var w wireGroup
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, malformed("unexpected group shape", err)
	}

	if w.Info == nil {
		// Older hosts answer a refused request with a bare message.
		if w.Message != nil && *w.Message != "" {
			return nil, &Error{Kind: KindServerRejected, Command: CmdGetGroup, Message: *w.Message}
		}
		return nil, malformed("missing group info", nil)
	}
	if w.Info.Name == "" {
		return nil, malformed("missing group name", nil)
	}

	list := w.Members
	if list == nil {
		list = w.Member
	}

	record := &model.GroupRecord{Info: *w.Info, Members: []model.Member{}}
	if list == nil {
		return record, nil
	}

	for i, m := range *list {
		if m.LoginName == "" {
			return nil, malformed("member without login name", fmt.Errorf("member %d", i))
		}
		profile := m.ProfileURL
		if profile == "" {
			profile = m.ProfilURL
		}
		record.Members = append(record.Members, model.Member{LoginName: m.LoginName, ProfileURL: profile})
	}
	return record, nil
}

// Message returns the text to show an admin for err. Rejections carry the
// group host's own message; everything else gets a generic description.
func Message(err error) string {
	re, ok := AsError(err)
	if !ok {
		if err == nil {
			return ""
		}
		return err.Error()
	}
	if re.Kind == KindServerRejected {
		return re.Message
	}
	if errors.Is(re.Err, context.DeadlineExceeded) {
		return "the group host did not answer in time"
	}
	return "the group host could not be reached or sent an invalid response"
}
