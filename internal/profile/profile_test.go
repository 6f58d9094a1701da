package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	assert.Equal(t, PROD, Parse("prod"))
	assert.Equal(t, TEST, Parse("Test"))
	assert.Equal(t, DEV, Parse(""))
	assert.Equal(t, DEV, Parse("staging"))
}
