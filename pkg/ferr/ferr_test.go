package ferr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindDispatch(t *testing.T) {
	err := Corruption(SeveritySevere, "bad extent tree in inode %d", 12)

	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, KindCorruption, fe.Kind)
	assert.Equal(t, SeveritySevere, fe.Severity)
}

func TestIsHelper(t *testing.T) {
	err := UnsafeDevice("device is the boot volume")
	assert.True(t, Is(err, KindUnsafeDevice))
	assert.False(t, Is(err, KindTimeout))
}

func TestErrorIsMatchesByKindOnly(t *testing.T) {
	a := IO(128, errors.New("short read"))
	b := IO(4096, errors.New("different cause"))
	assert.True(t, errors.Is(a, b))
}

func TestKindRoundTripsThroughString(t *testing.T) {
	for k := KindNotFound; k <= KindTimeout; k++ {
		assert.Equal(t, k, KindFromString(k.String()))
	}
	assert.Equal(t, KindUnknown, KindFromString("no-such-kind"))
}

func TestFromWirePreservesKind(t *testing.T) {
	err := FromWire("safety_violation", "inode 8 is reserved")
	assert.True(t, Is(err, KindSafetyViolation))
	assert.Contains(t, err.Error(), "inode 8 is reserved")
}

func TestValidationFailedFields(t *testing.T) {
	err := ValidationFailed("magic", "0xEF53", "0x0000")
	assert.Equal(t, "magic", err.Field)
	assert.Equal(t, "0xEF53", err.Expected)
	assert.Equal(t, "0x0000", err.Actual)
}
