package model

// GroupInfo describes a group on the group host.
type GroupInfo struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// Member is a single member of a remote group.
type Member struct {
	LoginName  string `json:"login_name"`
	ProfileURL string `json:"profile_url"`
}

// GroupRecord is the resolved view of a remote group. It is derived from the
// group host on every read and never cached.
type GroupRecord struct {
	Info    GroupInfo `json:"info"`
	Members []Member  `json:"members"`
}

// SiteInfo holds the canonical URLs and display name of this site, as
// announced to the group host.
type SiteInfo struct {
	SiteURL     string `json:"site_url"`
	FeedURL     string `json:"feed_url"`
	CommentsURL string `json:"comments_url"`
	Name        string `json:"blogname"`
}

// GroupCodeRequest is the payload for accepting or revoking a group code.
type GroupCodeRequest struct {
	Code string `json:"code"`
}

// GroupView is a stored group as returned by the admin API.
type GroupView struct {
	Code        string       `json:"code"`
	Name        string       `json:"name"`
	URL         string       `json:"url,omitempty"`
	Placeholder bool         `json:"placeholder,omitempty"`
	Members     []MemberView `json:"members"`
}

// MemberView is a remote member and its local reconciliation state.
type MemberView struct {
	LoginName   string `json:"login_name"`
	ProfileURL  string `json:"profile_url,omitempty"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// NotificationStatus reports whether the group host acknowledged the site.
type NotificationStatus struct {
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// AcceptGroupResponse is returned after a group code was accepted.
type AcceptGroupResponse struct {
	Group        GroupView          `json:"group"`
	Notification NotificationStatus `json:"notification"`
}

// FormNonceResponse carries an anti-forgery nonce for mutating admin calls.
type FormNonceResponse struct {
	Nonce     string `json:"nonce"`
	ExpiresAt int64  `json:"expires_at"`
}
