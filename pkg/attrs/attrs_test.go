package attrs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMask(t *testing.T) {
	assert.Equal(t, "920616*******", Mask("9206160000085", 6))
	assert.Equal(t, "082*******", Mask("0821234567", 3))
	assert.Equal(t, "**", Mask("08", 3))
	assert.Equal(t, "", Mask("", 3))
}

func TestIdentifierAttrs(t *testing.T) {
	assert.Equal(t, "id_number", IDNumber("9206160000085").Key)
	assert.Equal(t, "920616*******", IDNumber("9206160000085").Value.String())
	assert.Equal(t, "082*******", Mobile("0821234567").Value.String())
}
