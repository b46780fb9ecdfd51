package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathToIdentityAndBack(t *testing.T) {
	cases := []struct {
		path string
		id   identity
	}{
		{"/widgets/widget1", identity{Name: "widget1", Category: "widgets"}},
		{"/widget1", identity{Name: "widget1", Category: ""}},
		{"/a/b/c", identity{Name: "c", Category: "a/b"}},
	}
	for _, c := range cases {
		got := pathToIdentity(c.path)
		assert.Equal(t, c.id, got, c.path)
		assert.Equal(t, c.path, identityToPath(got), c.path)
	}
}
