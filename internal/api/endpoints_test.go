package api

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEndpoints_Defaults(t *testing.T) {
	e := NewEndpoints("")
	assert.Equal(t, "https://cloudresourcemanager.googleapis.com/", e.ResourceManager())
	assert.Equal(t, "https://artifactregistry.googleapis.com/", e.ArtifactRegistry())

	e = NewEndpoints("example-universe.net", WithArtifactRegistry("http://localhost:9000"))
	assert.Equal(t, "https://cloudresourcemanager.example-universe.net/", e.ResourceManager())
	assert.Equal(t, "http://localhost:9000/", e.ArtifactRegistry())
}

func TestOverride_RegionalAndRestore(t *testing.T) {
	e := NewEndpoints("")

	restore := e.Override("us-central1")
	assert.Equal(t, "https://us-central1-cloudresourcemanager.googleapis.com/", e.ResourceManager())

	restore()
	assert.Equal(t, "https://cloudresourcemanager.googleapis.com/", e.ResourceManager())

	restore()
	assert.Equal(t, "https://cloudresourcemanager.googleapis.com/", e.ResourceManager())
}

func TestOverride_GlobalIsNoop(t *testing.T) {
	e := NewEndpoints("")
	for _, loc := range []string{"", "global"} {
		restore := e.Override(loc)
		assert.Equal(t, "https://cloudresourcemanager.googleapis.com/", e.ResourceManager())
		restore()
	}
}

func TestOverride_Nested(t *testing.T) {
	e := NewEndpoints("")

	outer := e.Override("europe-west1")
	inner := e.Override("asia-east1")
	assert.Equal(t, "https://asia-east1-cloudresourcemanager.googleapis.com/", e.ResourceManager())
	inner()
	assert.Equal(t, "https://europe-west1-cloudresourcemanager.googleapis.com/", e.ResourceManager())
	outer()
	assert.Equal(t, "https://cloudresourcemanager.googleapis.com/", e.ResourceManager())
}

func TestWithLocation_RestoresOnError(t *testing.T) {
	e := NewEndpoints("")
	boom := errors.New("boom")

	err := e.WithLocation("us-east1", func() error {
		assert.Equal(t, "https://us-east1-cloudresourcemanager.googleapis.com/", e.ResourceManager())
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "https://cloudresourcemanager.googleapis.com/", e.ResourceManager())
}

func TestWithLocation_RestoresOnPanic(t *testing.T) {
	e := NewEndpoints("")

	assert.Panics(t, func() {
		_ = e.WithLocation("us-east1", func() error {
			panic("boom")
		})
	})
	assert.Equal(t, "https://cloudresourcemanager.googleapis.com/", e.ResourceManager())
}

func TestLocation_TracksOverride(t *testing.T) {
	e := NewEndpoints("")
	assert.Empty(t, e.Location())

	outer := e.Override("europe-west1")
	assert.Equal(t, "europe-west1", e.Location())
	inner := e.Override("global")
	assert.Equal(t, "europe-west1", e.Location(), "global keeps the active override")
	inner()
	outer()
	assert.Empty(t, e.Location())
}
