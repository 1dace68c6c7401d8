package policy

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexpevzner/mtpgo/internal/mtpconf"
	"github.com/alexpevzner/mtpgo/internal/mtptypes"
)

func TestResolvePure(t *testing.T) {
	quirk := mtptypes.QuirkRecord{Flags: mtptypes.Flags{ResetOnOpen: true}}
	p1 := Resolve(ProbedCapabilities{}, nil, &quirk, false, mtptypes.QuirkRecord{}, mtpconf.Overrides{})
	p2 := Resolve(ProbedCapabilities{}, nil, &quirk, false, mtptypes.QuirkRecord{}, mtpconf.Overrides{})
	require.Equal(t, p1.Numbers, p2.Numbers)
	require.Equal(t, p1.Flags, p2.Flags)
}

func TestPolicyClamp(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	for i := 0; i < 200; i++ {
		chunk := int64(rng.Intn(32 * 1024 * 1024))
		ioTimeout := time.Duration(rng.Intn(120)) * time.Second

		quirk := mtptypes.QuirkRecord{
			Numbers: mtptypes.TuningNumbers{
				MaxChunkBytes: chunk,
				IOTimeout:     ioTimeout,
			},
		}

		p := Resolve(ProbedCapabilities{}, nil, &quirk, false, mtptypes.QuirkRecord{}, mtpconf.Overrides{})

		require.GreaterOrEqual(t, p.Numbers.MaxChunkBytes, int64(mtptypes.MinChunkBytes))
		require.LessOrEqual(t, p.Numbers.MaxChunkBytes, int64(mtptypes.MaxChunkBytesCap))
		require.GreaterOrEqual(t, p.Numbers.IOTimeout, mtptypes.MinIOTimeout)
		require.LessOrEqual(t, p.Numbers.IOTimeout, mtptypes.MaxIOTimeout)
		require.GreaterOrEqual(t, p.Numbers.OverallDeadline, mtptypes.MinOverallDeadline)
		require.LessOrEqual(t, p.Numbers.OverallDeadline, mtptypes.MaxOverallDeadline)
	}
}

func TestUserOverrideWinsOverQuirk(t *testing.T) {
	quirk := mtptypes.QuirkRecord{Numbers: mtptypes.TuningNumbers{MaxChunkBytes: 2 * 1024 * 1024}}
	chunk := int64(4 * 1024 * 1024)
	o := mtpconf.Overrides{MaxChunkBytes: &chunk}

	p := Resolve(ProbedCapabilities{}, nil, &quirk, false, mtptypes.QuirkRecord{}, o)
	require.Equal(t, chunk, p.Numbers.MaxChunkBytes)
	require.Equal(t, mtptypes.SourceUserOverride, p.NumberSource["max-chunk-bytes"])
}

func TestCameraDefaultsFallbackWhenNoQuirk(t *testing.T) {
	fallback := mtptypes.QuirkRecord{Flags: mtptypes.Flags{RequireStabilization: true}}
	p := Resolve(ProbedCapabilities{}, nil, nil, true, fallback, mtpconf.Overrides{})
	require.True(t, p.Flags.RequireStabilization)
}
