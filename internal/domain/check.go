package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ProvisionalPrefix marks ids generated locally before the store assigns one.
const ProvisionalPrefix = "tmp-"

// ContentType classifies the submitted input.
type ContentType string

const (
	ContentText      ContentType = "text"
	ContentImage     ContentType = "image"
	ContentTextImage ContentType = "text_image"
)

// ParseContentType validates a content type, defaulting empty input to text.
func ParseContentType(raw string) (ContentType, error) {
	switch ct := ContentType(strings.ToLower(strings.TrimSpace(raw))); ct {
	case "":
		return ContentText, nil
	case ContentText, ContentImage, ContentTextImage:
		return ct, nil
	default:
		return "", fmt.Errorf("unknown content type %q", raw)
	}
}

// Image is an inline image sent alongside the text.
type Image struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mimeType"`
}

// DataURL renders the image as a data: URL.
func (i Image) DataURL() string {
	return "data:" + i.MimeType + ";base64," + i.Base64
}

// CheckRecord is one completed compliance check.
type CheckRecord struct {
	ID              string      `json:"id"`
	UserID          string      `json:"userId"`
	CreatedAt       time.Time   `json:"createdAt"`
	ContentText     string      `json:"contentText"`
	ContentType     ContentType `json:"contentType"`
	Platform        string      `json:"platform"`
	OverallStatus   Status      `json:"overallStatus"`
	ComplianceScore int         `json:"complianceScore"`
	Result          Verdict     `json:"resultJson"`
}

// NewProvisionalID returns a locally unique temporary id.
func NewProvisionalID() string {
	return ProvisionalPrefix + ulid.Make().String()
}

// IsProvisional reports whether the record still carries a temporary id.
func (r CheckRecord) IsProvisional() bool {
	return strings.HasPrefix(r.ID, ProvisionalPrefix)
}

// NormalizePlatform lowercases the platform name, defaulting to "general".
func NormalizePlatform(raw string) string {
	p := strings.ToLower(strings.TrimSpace(raw))
	if p == "" {
		return "general"
	}
	return p
}
