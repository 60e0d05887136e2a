package provision

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidSubdomain(t *testing.T) {
	valid := []string{"blog", "my-site", "a", "shop42", "x1-y2-z3"}
	for _, s := range valid {
		assert.True(t, ValidSubdomain(s), "%q should be valid", s)
	}

	invalid := []string{"", "-lead", "trail-", "UPPER", "under_score", "dot.com", "a b"}
	for _, s := range invalid {
		assert.False(t, ValidSubdomain(s), "%q should be invalid", s)
	}
}

func TestDerivedIdentifiers(t *testing.T) {
	assert.Equal(t, "wp_my_site", dbIdent("my-site"))
	assert.Equal(t, "wp-my-site-media", bucketName("my-site"))
}
