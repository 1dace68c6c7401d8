package mtperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesKindThroughWrap(t *testing.T) {
	base := New(KindTransportTimeout, errors.New("deadline exceeded"))
	wrapped := fmt.Errorf("claiming interface: %w", base)
	require.True(t, Is(wrapped, KindTransportTimeout))
	require.False(t, Is(wrapped, KindIO))
}

func TestDeviceErrorKind(t *testing.T) {
	require.Equal(t, KindInvalidParameter, DeviceErrorKind(0x201D))
	require.Equal(t, KindSessionAlreadyOpen, DeviceErrorKind(0x201E))
	require.Equal(t, KindDeviceBusy, DeviceErrorKind(0x2019))
	require.Equal(t, KindDeviceError, DeviceErrorKind(0x2002))
}

func TestIsTimeoutCoversBothFlavors(t *testing.T) {
	require.True(t, IsTimeout(New(KindTransportTimeout, nil)))
	require.True(t, IsTimeout(New(KindFlowTimeout, nil)))
	require.False(t, IsTimeout(New(KindIO, nil)))
}
