package store

import "time"

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type ResourceType string

const (
	ResourceAudio   ResourceType = "audio"
	ResourceVideo   ResourceType = "video"
	ResourcePDF     ResourceType = "pdf"
	ResourceArticle ResourceType = "article"
)

func (t ResourceType) Valid() bool {
	switch t {
	case ResourceAudio, ResourceVideo, ResourcePDF, ResourceArticle:
		return true
	}
	return false
}

// Source tells whether a resource's payload lives in our storage or is an
// external reference (YouTube link, third-party article, ...).
type Source string

const (
	SourceOwned    Source = "owned"
	SourceExternal Source = "external"
)

type Resource struct {
	ID            string       `json:"id"`
	Type          ResourceType `json:"type"`
	Source        Source       `json:"source"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Tags          []string     `json:"tags"`
	IsPublic      bool         `json:"isPublic"`
	Status        string       `json:"status"`
	Content       string       `json:"content,omitempty"`
	URL           string       `json:"url,omitempty"`
	Thumbnail     string       `json:"thumbnail,omitempty"`
	Category      string       `json:"category,omitempty"`
	Publisher     string       `json:"publisher"`
	PublisherName string       `json:"publisherName"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	Views         int64        `json:"views"`
	Downloads     int64        `json:"downloads"`
}

// ResourcePatch carries an owner edit. Nil fields are left untouched.
// Status and visibility are never part of a patch.
type ResourcePatch struct {
	Title         *string
	Description   *string
	Tags          *[]string
	Content       *string
	URL           *string
	Thumbnail     *string
	Category      *string
	PublisherName *string
}

func (p ResourcePatch) Apply(r Resource) Resource {
	if p.Title != nil {
		r.Title = *p.Title
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Tags != nil {
		r.Tags = NormalizeTags(*p.Tags)
	}
	if p.Content != nil {
		r.Content = *p.Content
	}
	if p.URL != nil {
		r.URL = *p.URL
	}
	if p.Thumbnail != nil {
		r.Thumbnail = *p.Thumbnail
	}
	if p.Category != nil {
		r.Category = *p.Category
	}
	if p.PublisherName != nil {
		r.PublisherName = *p.PublisherName
	}
	return r
}

type ResourceFilter struct {
	Type       ResourceType
	Status     string
	Publisher  string
	Category   string
	Tag        string
	PublicOnly bool
	Sort       string
	Limit      int
	Offset     int
}

// ReviewDecision is the audit record of one status transition.
type ReviewDecision struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resourceId"`
	ActorID    string    `json:"actorId"`
	ActorRole  string    `json:"actorRole"`
	Action     string    `json:"action"`
	FromStatus string    `json:"fromStatus"`
	ToStatus   string    `json:"toStatus"`
	IsPublic   bool      `json:"isPublic"`
	CreatedAt  time.Time `json:"createdAt"`
}
