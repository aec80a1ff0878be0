package safety

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosesfs/moses/pkg/ferr"
)

func approveHappyPath(t *testing.T, info DeviceInfo) (Token, error) {
	t.Helper()
	g, err := NewGate(info, []string{"/", "/boot", "/Volumes/*"}, nil)
	require.NoError(t, err)

	require.NoError(t, g.CheckSystemDrive())
	require.NoError(t, g.CheckMounts())
	require.NoError(t, g.Acknowledge(info.BackupConfirmed))

	return g.Approve("format")
}

// approveIgnoringSystemDriveCheck drives the same sequence as
// approveHappyPath but continues past whatever CheckSystemDrive
// reports, the way a caller that only checks CheckMounts/Acknowledge
// errors and not CheckSystemDrive's would: computeRisk's
// scoreSystemDrive weight must still forbid the device at Approve.
func approveIgnoringSystemDriveCheck(t *testing.T, info DeviceInfo) (Token, error) {
	t.Helper()
	g, err := NewGate(info, []string{"/", "/boot", "/Volumes/*"}, nil)
	require.NoError(t, err)

	_ = g.CheckSystemDrive()
	require.NoError(t, g.CheckMounts())
	require.NoError(t, g.Acknowledge(info.BackupConfirmed))

	return g.Approve("format")
}

func TestSafeRemovableDriveApproves(t *testing.T) {
	tok, err := approveHappyPath(t, DeviceInfo{ID: uuid.New(), BackupConfirmed: true})
	require.NoError(t, err)
	assert.Equal(t, RiskSafe, tok.RiskLevel)
	assert.NoError(t, tok.Use())
}

func TestTokenIsOneShot(t *testing.T) {
	tok, err := approveHappyPath(t, DeviceInfo{ID: uuid.New(), BackupConfirmed: true})
	require.NoError(t, err)

	require.NoError(t, tok.Use())
	assert.Error(t, tok.Use())
}

func TestCheckSystemDriveRejectsSystemDrive(t *testing.T) {
	g, err := NewGate(DeviceInfo{ID: uuid.New(), IsSystemDrive: true}, nil, nil)
	require.NoError(t, err)

	err = g.CheckSystemDrive()
	require.Error(t, err)
	assert.True(t, ferr.Is(err, ferr.KindUnsafeDevice))
	assert.Equal(t, StateSysChecked, g.State())
}

func TestSystemDriveIsForbiddenEvenIfCallerIgnoresCheckSystemDriveError(t *testing.T) {
	_, err := approveIgnoringSystemDriveCheck(t, DeviceInfo{
		ID:            uuid.New(),
		IsSystemDrive: true,
		MountPoints:   []string{"/"},
	})
	require.Error(t, err)
}

func TestCriticalMountRaisesRisk(t *testing.T) {
	tok, err := approveHappyPath(t, DeviceInfo{
		ID:              uuid.New(),
		MountPoints:     []string{"/Volumes/Backup"},
		BackupConfirmed: true,
	})
	require.NoError(t, err)
	assert.True(t, tok.RiskLevel >= RiskMedium)
}

func TestOutOfOrderChecksRejected(t *testing.T) {
	g, err := NewGate(DeviceInfo{ID: uuid.New()}, nil, nil)
	require.NoError(t, err)

	err = g.CheckMounts()
	require.Error(t, err)
	assert.True(t, ferr.Is(err, ferr.KindUnsafeDevice))
}

func TestReusedTokenReportsUnsafeDevice(t *testing.T) {
	tok, err := approveHappyPath(t, DeviceInfo{ID: uuid.New(), BackupConfirmed: true})
	require.NoError(t, err)
	require.NoError(t, tok.Use())

	err = tok.Use()
	require.Error(t, err)
	assert.True(t, ferr.Is(err, ferr.KindUnsafeDevice))
}

func TestRiskLevelTotalOrder(t *testing.T) {
	assert.True(t, RiskSafe < RiskLow)
	assert.True(t, RiskLow < RiskMedium)
	assert.True(t, RiskMedium < RiskHigh)
	assert.True(t, RiskHigh < RiskCritical)
	assert.True(t, RiskCritical < RiskForbidden)
}
