package mongodb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryConfigDefaults(t *testing.T) {
	tests := map[string]struct {
		cfg           RepositoryConfig
		expErr        bool
		expDatabase   string
		expCollection string
	}{
		"uri is required": {
			cfg:    RepositoryConfig{},
			expErr: true,
		},
		"defaults are applied": {
			cfg:           RepositoryConfig{URI: "mongodb://localhost:27017"},
			expDatabase:   defaultDatabase,
			expCollection: defaultCollection,
		},
		"explicit values are kept": {
			cfg:           RepositoryConfig{URI: "mongodb://localhost:27017", Database: "hr", Collection: "drafts"},
			expDatabase:   "hr",
			expCollection: "drafts",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := test.cfg
			err := cfg.defaults()
			if test.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expDatabase, cfg.Database)
			assert.Equal(t, test.expCollection, cfg.Collection)
			assert.NotNil(t, cfg.Logger)
		})
	}
}

func TestNewRepositoryRejectsBadURI(t *testing.T) {
	_, err := NewRepository(context.Background(), RepositoryConfig{URI: "not-a-mongo-uri"})
	assert.Error(t, err)
}
