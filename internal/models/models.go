package models

import "time"

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	ImageURL  *string   `json:"imageUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Team struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Name      *string   `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type TeamMember struct {
	ID        string    `json:"id"`
	TeamID    string    `json:"teamId"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"` // administrator | editor | viewer
	CreatedAt time.Time `json:"createdAt"`
}

// SocialAccount is one connected (user, provider, account) credential set.
// needs_reconnect is set when a token health check fails; scheduling against
// the provider is blocked until the user completes a fresh OAuth flow.
type SocialAccount struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId"`
	Provider       string     `json:"provider"`
	AccountID      string     `json:"accountId"`
	AccountName    *string    `json:"accountName,omitempty"`
	AccessToken    string     `json:"-"`
	TokenExpiresAt *time.Time `json:"tokenExpiresAt,omitempty"`
	Scopes         []string   `json:"scopes,omitempty"`
	NeedsReconnect bool       `json:"needsReconnect"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// SocialTarget is a concrete publishing destination (a Facebook page, a linked
// Instagram business account) reachable through a SocialAccount.
type SocialTarget struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Provider  string    `json:"provider"`
	AccountID string    `json:"accountId"`
	TargetID  string    `json:"targetId"`
	Name      *string   `json:"name,omitempty"`
	Kind      string    `json:"kind"` // page | business_account
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Post struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	TeamID       *string    `json:"teamId,omitempty"`
	Content      *string    `json:"content,omitempty"`
	Media        []string   `json:"media,omitempty"`
	Status       string     `json:"status"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	PublishedAt  *time.Time `json:"publishedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// SocialPost is one tracking row: a (post x target) publishing attempt with its
// own lifecycle. After handoff the automation system advances its status via
// the callback endpoint; published and failed are terminal.
type SocialPost struct {
	ID             string    `json:"id"`
	PostID         string    `json:"postId"`
	UserID         string    `json:"userId"`
	Provider       string    `json:"provider"`
	AccountID      string    `json:"accountId"`
	TargetID       string    `json:"targetId"`
	Status         string    `json:"status"`
	ScheduledAt    time.Time `json:"scheduledAt"`
	ContentText    *string   `json:"contentText,omitempty"`
	MediaURL       *string   `json:"mediaUrl,omitempty"`
	ErrorMessage   *string   `json:"errorMessage,omitempty"`
	ExternalPostID *string   `json:"externalPostId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

const (
	SocialPostStatusPending    = "pending"
	SocialPostStatusScheduled  = "scheduled"
	SocialPostStatusPublishing = "publishing"
	SocialPostStatusPublished  = "published"
	SocialPostStatusFailed     = "failed"
)

type Approval struct {
	ID          string     `json:"id"`
	TeamID      string     `json:"teamId"`
	EntityType  string     `json:"entityType"` // post | briefing | branding | planner
	EntityID    string     `json:"entityId"`
	Status      string     `json:"status"`
	RequestedBy string     `json:"requestedBy"`
	AssignedTo  string     `json:"assignedTo"`
	Comment     *string    `json:"comment,omitempty"`
	DecidedBy   *string    `json:"decidedBy,omitempty"`
	DecidedAt   *time.Time `json:"decidedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
)
