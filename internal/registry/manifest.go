package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Docker distribution media types. OCI types come from image-spec.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerSchema1      = "application/vnd.docker.distribution.manifest.v1+json"
	MediaTypeDockerSchema1Sig   = "application/vnd.docker.distribution.manifest.v1+prettyjws"
)

// AnnotationReferenceType marks index entries that are attestations or
// other artifacts attached to an image rather than a runnable platform.
const AnnotationReferenceType = "vnd.docker.reference.type"

var (
	// ErrUnsupportedManifest is returned for manifest formats other than
	// Docker v2, OCI image manifest and OCI/Docker index.
	ErrUnsupportedManifest = errors.New("unsupported manifest type")
	// ErrMissingConfigDigest is returned when an image manifest has no config.
	ErrMissingConfigDigest = errors.New("manifest has no config digest")
)

var manifestAcceptHeader = strings.Join([]string{
	ocispec.MediaTypeImageIndex,
	ocispec.MediaTypeImageManifest,
	MediaTypeDockerManifestList,
	MediaTypeDockerManifest,
}, ", ")

// Kind classifies a fetched manifest.
type Kind int

const (
	KindDockerV2 Kind = iota + 1
	KindOCIManifest
	KindOCIIndex
)

func (k Kind) String() string {
	switch k {
	case KindDockerV2:
		return "docker-v2"
	case KindOCIManifest:
		return "oci-manifest"
	case KindOCIIndex:
		return "oci-index"
	default:
		return "unknown"
	}
}

// Manifest is a classified registry manifest. Exactly one of Image and
// Index is set: Image for KindDockerV2 and KindOCIManifest, Index for
// KindOCIIndex (which also covers Docker manifest lists).
type Manifest struct {
	Kind      Kind
	MediaType string
	// Digest is the registry's manifest digest: the Docker-Content-Digest
	// header when present and valid, otherwise the digest of Raw.
	Digest digest.Digest
	// HeaderDigest is the Docker-Content-Digest header with quotes
	// stripped, empty when the registry did not send one.
	HeaderDigest string
	Raw          []byte

	Image *ocispec.Manifest
	Index *ocispec.Index
}

// IsOCI reports whether the manifest uses an OCI media type.
func (m *Manifest) IsOCI() bool {
	return m.MediaType == ocispec.MediaTypeImageManifest || m.MediaType == ocispec.MediaTypeImageIndex
}

// ParseManifest classifies body. The Content-Type media type is used when
// it names a known format; otherwise the body's own mediaType field decides,
// and a body with neither is classified by shape.
func ParseManifest(contentType string, body []byte) (*Manifest, error) {
	var probe struct {
		SchemaVersion int             `json:"schemaVersion"`
		MediaType     string          `json:"mediaType"`
		Manifests     json.RawMessage `json:"manifests"`
		Config        json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	mediaType := normalizeMediaType(contentType)
	if !knownMediaType(mediaType) {
		mediaType = normalizeMediaType(probe.MediaType)
	}
	if !knownMediaType(mediaType) {
		switch {
		case probe.SchemaVersion == 1:
			mediaType = MediaTypeDockerSchema1
		case len(probe.Manifests) > 0:
			mediaType = ocispec.MediaTypeImageIndex
		case len(probe.Config) > 0:
			mediaType = ocispec.MediaTypeImageManifest
		}
	}

	m := &Manifest{MediaType: mediaType, Raw: body}
	switch mediaType {
	case ocispec.MediaTypeImageIndex, MediaTypeDockerManifestList:
		var idx ocispec.Index
		if err := json.Unmarshal(body, &idx); err != nil {
			return nil, fmt.Errorf("parsing index: %w", err)
		}
		m.Kind = KindOCIIndex
		m.Index = &idx
	case ocispec.MediaTypeImageManifest, MediaTypeDockerManifest:
		var img ocispec.Manifest
		if err := json.Unmarshal(body, &img); err != nil {
			return nil, fmt.Errorf("parsing manifest: %w", err)
		}
		m.Kind = KindOCIManifest
		if mediaType == MediaTypeDockerManifest {
			m.Kind = KindDockerV2
		}
		m.Image = &img
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedManifest, mediaType)
	}
	return m, nil
}

func normalizeMediaType(mt string) string {
	return strings.ToLower(strings.TrimSpace(strings.Split(mt, ";")[0]))
}

func knownMediaType(mt string) bool {
	switch mt {
	case ocispec.MediaTypeImageIndex, ocispec.MediaTypeImageManifest,
		MediaTypeDockerManifestList, MediaTypeDockerManifest,
		MediaTypeDockerSchema1, MediaTypeDockerSchema1Sig:
		return true
	}
	return false
}

// IsAttestation reports whether an index entry is an attached artifact.
func IsAttestation(d ocispec.Descriptor) bool {
	_, ok := d.Annotations[AnnotationReferenceType]
	return ok
}

// PlatformManifest returns the first index entry that is not an
// attestation.
func (m *Manifest) PlatformManifest() (ocispec.Descriptor, bool) {
	if m.Index == nil {
		return ocispec.Descriptor{}, false
	}
	for _, d := range m.Index.Manifests {
		if !IsAttestation(d) {
			return d, true
		}
	}
	return ocispec.Descriptor{}, false
}

// ConfigDigest returns the image config digest of an image manifest.
func (m *Manifest) ConfigDigest() (digest.Digest, error) {
	if m.Image == nil || m.Image.Config.Digest == "" {
		return "", ErrMissingConfigDigest
	}
	if err := m.Image.Config.Digest.Validate(); err != nil {
		return "", fmt.Errorf("invalid config digest %q: %w", m.Image.Config.Digest, err)
	}
	return m.Image.Config.Digest, nil
}

// LayerSize sums the declared layer sizes of an image manifest.
func (m *Manifest) LayerSize() int64 {
	if m.Image == nil {
		return 0
	}
	var total int64
	for _, l := range m.Image.Layers {
		total += l.Size
	}
	return total
}
