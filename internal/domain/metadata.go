package domain

import (
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// Fixed metadata keys.
const (
	MetaLastCommand   = "last_command"
	MetaArtifactKind  = "artifact_kind"
	MetaArtifactValue = "artifact_value"
)

// MaxMetadataValue caps the size of one metadata value in bytes.
const MaxMetadataValue = 64 << 10

// ErrInvalidMetadata is returned when a metadata key or value is rejected.
var ErrInvalidMetadata = errors.New("invalid session metadata")

var metaKeyRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// ValidMetadataKey reports whether k can be stored as a metadata key and
// referenced as a ${k} placeholder.
func ValidMetadataKey(k string) bool { return metaKeyRe.MatchString(k) }

// SessionMetadata is the persisted state attached to a session.
// Known keys decode into fields; everything else lands in Extra.
type SessionMetadata struct {
	LastCommand   string            `mapstructure:"last_command" json:"last_command,omitempty"`
	ArtifactKind  string            `mapstructure:"artifact_kind" json:"artifact_kind,omitempty"`
	ArtifactValue string            `mapstructure:"artifact_value" json:"artifact_value,omitempty"`
	Extra         map[string]string `mapstructure:",remain" json:"extra,omitempty"`
}

// DecodeMetadata builds SessionMetadata from a flat key/value mapping.
func DecodeMetadata(m map[string]string) (SessionMetadata, error) {
	var md SessionMetadata
	if len(m) == 0 {
		return md, nil
	}
	in := make(map[string]interface{}, len(m))
	for k, v := range m {
		in[k] = v
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &md,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return md, err
	}
	if err := dec.Decode(in); err != nil {
		return md, fmt.Errorf("decode metadata: %w", err)
	}
	if len(md.Extra) == 0 {
		md.Extra = nil
	}
	return md, nil
}

// ToMap flattens the metadata. Empty fields are omitted.
func (md SessionMetadata) ToMap() map[string]string {
	out := make(map[string]string, len(md.Extra)+3)
	for k, v := range md.Extra {
		if v != "" {
			out[k] = v
		}
	}
	if md.LastCommand != "" {
		out[MetaLastCommand] = md.LastCommand
	}
	if md.ArtifactKind != "" {
		out[MetaArtifactKind] = md.ArtifactKind
	}
	if md.ArtifactValue != "" {
		out[MetaArtifactValue] = md.ArtifactValue
	}
	return out
}

// Merge applies patch and returns the result. An empty value removes the key.
// The receiver is not modified.
func (md SessionMetadata) Merge(patch map[string]string) (SessionMetadata, error) {
	if err := ValidatePatch(patch); err != nil {
		return md, err
	}
	m := md.ToMap()
	for k, v := range patch {
		if v == "" {
			delete(m, k)
			continue
		}
		m[k] = v
	}
	return DecodeMetadata(m)
}

// ValidatePatch checks keys and values of a metadata patch.
func ValidatePatch(patch map[string]string) error {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !ValidMetadataKey(k) {
			return fmt.Errorf("%w: key %q", ErrInvalidMetadata, k)
		}
		if len(patch[k]) > MaxMetadataValue {
			return fmt.Errorf("%w: value for %q exceeds %d bytes", ErrInvalidMetadata, k, MaxMetadataValue)
		}
	}
	return nil
}
