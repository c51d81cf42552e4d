package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Repository is a registry namespace. Images pushed at the registry root
// belong to the "library" repository.
type Repository struct {
	ID           int64     `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	LastSyncedAt time.Time `db:"last_synced_at" json:"lastSyncedAt"`
}

// Image is a registry repository path. FullName is the path exactly as it
// appears in the registry catalog and is unique within its Repository.
type Image struct {
	ID           int64  `db:"id" json:"id"`
	RepositoryID int64  `db:"repository_id" json:"repositoryId"`
	Name         string `db:"name" json:"name"`
	FullName     string `db:"full_name" json:"fullName"`
	PullCount    int64  `db:"pull_count" json:"pullCount"`
}

// Tag is a named reference inside an Image. Digest is the content digest
// used for change detection.
type Tag struct {
	ID        int64        `db:"id" json:"id"`
	ImageID   int64        `db:"image_id" json:"imageId"`
	Name      string       `db:"name" json:"name"`
	Digest    string       `db:"digest" json:"digest"`
	CreatedAt time.Time    `db:"created_at" json:"createdAt"`
	Metadata  *TagMetadata `db:"-" json:"metadata,omitempty"`
}

// TagMetadata holds the descriptive data resolved from a tag's manifest and
// image config. It lives and dies with its Tag.
type TagMetadata struct {
	ID            int64      `db:"id" json:"-"`
	TagID         int64      `db:"tag_id" json:"-"`
	Created       time.Time  `db:"created" json:"created"`
	OS            string     `db:"os" json:"os"`
	Architecture  string     `db:"architecture" json:"architecture"`
	Author        string     `db:"author" json:"author"`
	Dockerfile    string     `db:"dockerfile" json:"dockerfile"`
	ExposedPorts  StringList `db:"exposed_ports" json:"exposedPorts"`
	TotalSize     int64      `db:"total_size" json:"totalSize"`
	WorkingDir    string     `db:"working_dir" json:"workingDir"`
	Command       string     `db:"command" json:"command"`
	Description   string     `db:"description" json:"description"`
	ContentDigest string     `db:"content_digest" json:"contentDigest"`
	Entrypoint    string     `db:"entrypoint" json:"entrypoint"`
	IndexDigest   string     `db:"index_digest" json:"indexDigest"`
	IsOCI         bool       `db:"is_oci" json:"isOCI"`
	Layers        []Layer    `db:"-" json:"layers"`
}

// Layer is one entry of a tag's ordered layer list.
type Layer struct {
	Digest string `db:"digest" json:"digest"`
	Size   int64  `db:"size" json:"size"`
}

// StringList is stored as a JSON array in a TEXT column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("decoding string list: %w", err)
	}
	*l = out
	return nil
}

// MigrationRecord is one row of the schema version ledger.
type MigrationRecord struct {
	Version     int       `db:"version" json:"version"`
	Description string    `db:"description" json:"description"`
	AppliedAt   time.Time `db:"applied_at" json:"appliedAt"`
}

// SyncRun records one reconciliation pass.
type SyncRun struct {
	ID            string    `db:"id" json:"id"`
	StartedAt     time.Time `db:"started_at" json:"startedAt"`
	FinishedAt    time.Time `db:"finished_at" json:"finishedAt"`
	Mode          string    `db:"mode" json:"mode"`     // "full" or "delta"
	Status        string    `db:"status" json:"status"` // "success" or "failed"
	ReposAdded    int       `db:"repos_added" json:"reposAdded"`
	ReposUpdated  int       `db:"repos_updated" json:"reposUpdated"`
	ReposRemoved  int       `db:"repos_removed" json:"reposRemoved"`
	ImagesAdded   int       `db:"images_added" json:"imagesAdded"`
	ImagesUpdated int       `db:"images_updated" json:"imagesUpdated"`
	ImagesRemoved int       `db:"images_removed" json:"imagesRemoved"`
	TagsAdded     int       `db:"tags_added" json:"tagsAdded"`
	TagsUpdated   int       `db:"tags_updated" json:"tagsUpdated"`
	TagsRemoved   int       `db:"tags_removed" json:"tagsRemoved"`
	Error         string    `db:"error" json:"error,omitempty"`
}

// RepositorySummary is a row of the paginated repository listing.
type RepositorySummary struct {
	ID           int64     `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	LastSyncedAt time.Time `db:"last_synced_at" json:"lastSyncedAt"`
	ImageCount   int       `db:"image_count" json:"imageCount"`
	TagCount     int       `db:"tag_count" json:"tagCount"`
}

// RepositoryPage is the result of ListRepositories.
type RepositoryPage struct {
	Repositories []RepositorySummary `json:"repositories"`
	TotalCount   int                 `json:"totalCount"`
	Page         int                 `json:"page"`
	Limit        int                 `json:"limit"`
}

// ImageData is an Image with its tags and their metadata.
type ImageData struct {
	Image
	Tags []Tag `json:"tags"`
}

// RepositoryData is the full browse view of one repository.
type RepositoryData struct {
	Repository
	Images []ImageData `json:"images"`
}

// Counts holds entity totals for the status view.
type Counts struct {
	Repositories int `db:"repositories" json:"repositories"`
	Images       int `db:"images" json:"images"`
	Tags         int `db:"tags" json:"tags"`
}
