package embedcache

import (
	"fmt"
	"hash/fnv"
)

// SchemaVersion is baked into every cache key. Bumping it orphans all old
// entries instead of migrating them; Clear sweeps every version.
const SchemaVersion = 2

const keyNamespace = "emb"

// Identity addresses one embedding: the model configuration plus a stable
// hash of the exact text. Any change to any field yields a different key, so
// entries computed under one configuration can never be served for another.
type Identity struct {
	ModelID     string
	Device      string
	Pooling     string
	Normalize   bool
	ContentHash string
}

// NewIdentity derives the identity for embedding text under the given model
// configuration. Pooling is always "mean" and normalization always on for the
// model family in use.
func NewIdentity(modelID, device, text string) Identity {
	return Identity{
		ModelID:     modelID,
		Device:      device,
		Pooling:     "mean",
		Normalize:   true,
		ContentHash: HashContent(text),
	}
}

// HashContent returns a stable, unsalted FNV-1a 32-bit hash of the text, hex
// encoded. FNV is a deliberate speed tradeoff over a cryptographic hash; the
// key also carries the model configuration, so cross-configuration collisions
// are impossible regardless.
func HashContent(text string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%08x", h.Sum32())
}

// Key renders the full storage key, schema version included.
func (id Identity) Key() string {
	norm := "raw"
	if id.Normalize {
		norm = "norm"
	}
	return fmt.Sprintf("%s:v%d:%s:%s:%s:%s:%s",
		keyNamespace, SchemaVersion, id.ModelID, id.Device, id.Pooling, norm, id.ContentHash)
}
