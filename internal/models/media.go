package models

import "github.com/google/uuid"

// MediaKind tags an upload with its purpose
type MediaKind string

const (
	MediaKindProfilePhoto MediaKind = "profile_photo"
	MediaKindKYCDocument  MediaKind = "kyc_document"
	MediaKindKYCVideo     MediaKind = "kyc_video"
	MediaKindProductImage MediaKind = "product_image"
	MediaKindBanner       MediaKind = "banner"
)

// Valid reports whether k is a known upload purpose
func (k MediaKind) Valid() bool {
	switch k {
	case MediaKindProfilePhoto, MediaKindKYCDocument, MediaKindKYCVideo, MediaKindProductImage, MediaKindBanner:
		return true
	}
	return false
}

// ResourceType is the asset host's resource class for the kind
func (k MediaKind) ResourceType() string {
	if k == MediaKindKYCVideo {
		return "video"
	}
	return "image"
}

// MediaRef is a stable reference to an uploaded object
type MediaRef struct {
	URL        string    `json:"url"`
	StorageKey string    `json:"storageKey"`
	Kind       MediaKind `json:"kind,omitempty"`
}

// MediaOwner is the owner context an upload is tagged with
type MediaOwner struct {
	UserID   uuid.UUID
	EntityID string // optional related entity, e.g. a product id
}
